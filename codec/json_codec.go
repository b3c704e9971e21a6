package codec

import (
	"encoding/json"
	"errors"
	"strconv"

	gojson "github.com/goccy/go-json"

	"mini-peer/message"
)

// wireMessage is the JSON shape of every frame. Pointers distinguish an
// absent field from its zero value.
type wireMessage struct {
	Request      *bool           `json:"request,omitempty"`
	Response     *bool           `json:"response,omitempty"`
	Notification *bool           `json:"notification,omitempty"`
	ID           json.RawMessage `json:"id,omitempty"`
	Method       *string         `json:"method,omitempty"`
	OK           *bool           `json:"ok,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
	ErrorCode    *int            `json:"errorCode,omitempty"`
	ErrorReason  *string         `json:"errorReason,omitempty"`
}

// JSONCodec encodes messages as the UTF-8 JSON text frames peers exchange.
type JSONCodec struct{}

func (c *JSONCodec) Encode(m *message.Message) ([]byte, error) {
	if m == nil {
		return nil, errors.New("JSONCodec: nil message")
	}
	yes := true
	w := wireMessage{}
	switch m.Kind {
	case message.KindRequest:
		w.Request = &yes
		w.ID = json.RawMessage(strconv.FormatUint(m.ID, 10))
		w.Method = &m.Method
		w.Data = dataOrEmpty(m.Data)
	case message.KindResponse:
		w.Response = &yes
		w.ID = json.RawMessage(strconv.FormatUint(m.ID, 10))
		ok := m.OK
		w.OK = &ok
		if m.OK {
			w.Data = dataOrEmpty(m.Data)
		} else {
			code, reason := m.ErrorCode, m.ErrorReason
			w.ErrorCode = &code
			w.ErrorReason = &reason
		}
	case message.KindNotification:
		w.Notification = &yes
		w.Method = &m.Method
		w.Data = dataOrEmpty(m.Data)
	default:
		return nil, errors.New("JSONCodec: message has no kind")
	}
	return gojson.Marshal(&w)
}

func (c *JSONCodec) Decode(data []byte) (*message.Message, error) {
	if !message.IsObject(data) {
		return nil, decodeErr("payload is not a JSON object", nil)
	}

	var w wireMessage
	if err := gojson.Unmarshal(data, &w); err != nil {
		return nil, decodeErr("malformed payload", err)
	}

	isRequest := w.Request != nil && *w.Request
	isResponse := w.Response != nil && *w.Response
	isNotification := w.Notification != nil && *w.Notification

	markers := 0
	for _, b := range []bool{isRequest, isResponse, isNotification} {
		if b {
			markers++
		}
	}
	if markers != 1 {
		return nil, decodeErr("payload must carry exactly one of request, response or notification", nil)
	}

	body, err := objectData(w.Data)
	if err != nil {
		return nil, err
	}

	switch {
	case isRequest:
		id, err := parseID(w.ID)
		if err != nil {
			return nil, err
		}
		if w.Method == nil || *w.Method == "" {
			return nil, decodeErr("request without method", nil)
		}
		return &message.Message{Kind: message.KindRequest, ID: id, Method: *w.Method, Data: body}, nil

	case isResponse:
		id, err := parseID(w.ID)
		if err != nil {
			return nil, err
		}
		if w.OK == nil {
			return nil, decodeErr("response without ok", nil)
		}
		m := &message.Message{Kind: message.KindResponse, ID: id, OK: *w.OK, Data: body}
		if !m.OK {
			if w.ErrorCode == nil {
				return nil, decodeErr("failure response without errorCode", nil)
			}
			m.ErrorCode = *w.ErrorCode
			if w.ErrorReason != nil {
				m.ErrorReason = *w.ErrorReason
			}
		}
		return m, nil

	default:
		if w.Method == nil || *w.Method == "" {
			return nil, decodeErr("notification without method", nil)
		}
		return &message.Message{Kind: message.KindNotification, Method: *w.Method, Data: body}, nil
	}
}

func (c *JSONCodec) Type() CodecType {
	return CodecTypeJSON
}

// parseID accepts only a bare positive integer literal.
func parseID(raw json.RawMessage) (uint64, error) {
	if len(raw) == 0 {
		return 0, decodeErr("missing id", nil)
	}
	id, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return 0, decodeErr("id is not a positive integer", err)
	}
	if id == 0 {
		return 0, decodeErr("id is not a positive integer", nil)
	}
	return id, nil
}

func objectData(raw json.RawMessage) (json.RawMessage, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return json.RawMessage(`{}`), nil
	}
	if !message.IsObject(raw) {
		return nil, decodeErr("data is not a JSON object", nil)
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out, nil
}

func dataOrEmpty(d json.RawMessage) json.RawMessage {
	if len(d) == 0 {
		return json.RawMessage(`{}`)
	}
	return d
}
