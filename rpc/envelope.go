package rpc

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/mrjvadi/go-broker-rpc/broker"
)

const (
	contentTypeOctetStream = "application/octet-stream"
	contentTypeEnvelope    = "application/vnd.rpc.response+json"
)

// Request travels as message properties plus the raw payload.
type Request struct {
	CorrelationID string
	ReplyTo       string
	Payload       []byte
}

// Response carries either the handler's payload or its error. Error is the
// discriminator: an empty payload with no Error is a successful reply.
type Response struct {
	CorrelationID string
	Payload       []byte
	Error         string
}

// Failed reports whether the handler failed.
func (r Response) Failed() bool {
	return r.Error != ""
}

// responseEnvelope is the wire body of a Response.
type responseEnvelope struct {
	CorrelationID string `json:"correlation_id"`
	Body          []byte `json:"body,omitempty"`
	Error         string `json:"error,omitempty"`
}

// Publishing builds the broker message carrying the request.
func (r Request) Publishing() broker.Publishing {
	return broker.Publishing{
		CorrelationID: r.CorrelationID,
		ReplyTo:       r.ReplyTo,
		ContentType:   contentTypeOctetStream,
		Timestamp:     time.Now(),
		Body:          r.Payload,
	}
}

// DecodeRequest reads a request from a delivery, failing with
// ErrMalformedMessage if it lacks a correlation id or reply-to.
func DecodeRequest(d broker.Delivery) (Request, error) {
	if d.CorrelationID == "" {
		return Request{}, errors.Wrap(ErrMalformedMessage, "request without correlation id")
	}
	if d.ReplyTo == "" {
		return Request{}, errors.Wrapf(ErrMalformedMessage, "request %s without reply-to", d.CorrelationID)
	}
	return Request{
		CorrelationID: d.CorrelationID,
		ReplyTo:       d.ReplyTo,
		Payload:       d.Body,
	}, nil
}

// Publishing encodes the response envelope into a broker message.
func (r Response) Publishing() (broker.Publishing, error) {
	body, err := json.Marshal(responseEnvelope{
		CorrelationID: r.CorrelationID,
		Body:          r.Payload,
		Error:         r.Error,
	})
	if err != nil {
		return broker.Publishing{}, errors.Wrap(err, "marshal response envelope")
	}
	return broker.Publishing{
		CorrelationID: r.CorrelationID,
		ContentType:   contentTypeEnvelope,
		Timestamp:     time.Now(),
		Body:          body,
	}, nil
}

// DecodeResponse reads a reply. The correlation id on the message properties
// wins over the one inside the envelope.
func DecodeResponse(d broker.Delivery) (Response, error) {
	var env responseEnvelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		return Response{}, errors.Wrapf(ErrMalformedMessage, "decode response envelope: %v", err)
	}
	id := d.CorrelationID
	if id == "" {
		id = env.CorrelationID
	}
	if id == "" {
		return Response{}, errors.Wrap(ErrMalformedMessage, "response without correlation id")
	}
	return Response{
		CorrelationID: id,
		Payload:       env.Body,
		Error:         env.Error,
	}, nil
}
