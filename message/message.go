// Package message defines the signaling message exchanged between peers.
//
// A Message is the "envelope" for every frame on the wire. It is one of three
// kinds, and the kind decides which fields are meaningful:
//
//	Request:      ID, Method, Data
//	Response:     ID, OK, Data (OK) or ErrorCode/ErrorReason (!OK)
//	Notification: Method, Data
//
// Messages are only built through the constructors below, which validate the
// shape for the chosen kind. A Message is never converted from one kind to another.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind tags which variant of the message union a Message is.
type Kind int

const (
	KindRequest Kind = iota + 1
	KindResponse
	KindNotification
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

var (
	ErrInvalidID     = errors.New("message: id must be a positive integer")
	ErrInvalidMethod = errors.New("message: method must be a non-empty string")
	ErrInvalidData   = errors.New("message: data must be a JSON object")
	ErrNotRequest    = errors.New("message: responses can only answer a request")
)

// emptyData is what an absent payload becomes.
var emptyData = json.RawMessage(`{}`)

// Message carries a single request, response or notification.
type Message struct {
	Kind        Kind
	ID          uint64          // Set on requests and responses, zero on notifications
	Method      string          // Set on requests and notifications
	Data        json.RawMessage // Always a JSON object, "{}" when empty
	OK          bool            // Response only
	ErrorCode   int             // Response only, when !OK
	ErrorReason string          // Response only, when !OK
}

// NewRequest builds a request message.
func NewRequest(id uint64, method string, data json.RawMessage) (*Message, error) {
	if id == 0 {
		return nil, ErrInvalidID
	}
	if method == "" {
		return nil, ErrInvalidMethod
	}
	d, err := normalizeData(data)
	if err != nil {
		return nil, err
	}
	return &Message{Kind: KindRequest, ID: id, Method: method, Data: d}, nil
}

// NewNotification builds a notification message. Notifications carry no id.
func NewNotification(method string, data json.RawMessage) (*Message, error) {
	if method == "" {
		return nil, ErrInvalidMethod
	}
	d, err := normalizeData(data)
	if err != nil {
		return nil, err
	}
	return &Message{Kind: KindNotification, Method: method, Data: d}, nil
}

// NewSuccessResponse builds the ok:true answer to req.
func NewSuccessResponse(req *Message, data json.RawMessage) (*Message, error) {
	if req == nil || req.Kind != KindRequest {
		return nil, ErrNotRequest
	}
	d, err := normalizeData(data)
	if err != nil {
		return nil, err
	}
	return &Message{Kind: KindResponse, ID: req.ID, OK: true, Data: d}, nil
}

// NewErrorResponse builds the ok:false answer to req.
func NewErrorResponse(req *Message, code int, reason string) (*Message, error) {
	if req == nil || req.Kind != KindRequest {
		return nil, ErrNotRequest
	}
	return &Message{Kind: KindResponse, ID: req.ID, ErrorCode: code, ErrorReason: reason, Data: emptyData}, nil
}

// IsRequest reports whether m is a request.
func (m *Message) IsRequest() bool { return m.Kind == KindRequest }

// IsResponse reports whether m is a response.
func (m *Message) IsResponse() bool { return m.Kind == KindResponse }

// IsNotification reports whether m is a notification.
func (m *Message) IsNotification() bool { return m.Kind == KindNotification }

func (m *Message) String() string {
	switch m.Kind {
	case KindRequest:
		return fmt.Sprintf("request[id:%d method:%s]", m.ID, m.Method)
	case KindResponse:
		if m.OK {
			return fmt.Sprintf("response[id:%d ok]", m.ID)
		}
		return fmt.Sprintf("response[id:%d error:%d %s]", m.ID, m.ErrorCode, m.ErrorReason)
	case KindNotification:
		return fmt.Sprintf("notification[method:%s]", m.Method)
	default:
		return "message[invalid]"
	}
}

// normalizeData accepts nil, "null" or a JSON object.
func normalizeData(data json.RawMessage) (json.RawMessage, error) {
	if len(data) == 0 {
		return emptyData, nil
	}
	if !IsObject(data) {
		if isNull(data) {
			return emptyData, nil
		}
		return nil, ErrInvalidData
	}
	return data, nil
}

// IsObject reports whether raw starts, after whitespace, with '{'.
func IsObject(raw []byte) bool {
	c, ok := firstByte(raw)
	return ok && c == '{'
}

func isNull(raw []byte) bool {
	for i, c := range raw {
		if isSpace(c) {
			continue
		}
		rest := raw[i:]
		j := len(rest)
		for j > 0 && isSpace(rest[j-1]) {
			j--
		}
		return string(rest[:j]) == "null"
	}
	return false
}

func firstByte(raw []byte) (byte, bool) {
	for _, c := range raw {
		if !isSpace(c) {
			return c, true
		}
	}
	return 0, false
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
