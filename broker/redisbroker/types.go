package redisbroker

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/mrjvadi/go-broker-rpc/broker"
)

// ReplyPrefix marks queue names carried over Pub/Sub instead of streams.
// Broker-named queues always carry it.
const ReplyPrefix = "reply:"

const (
	fieldCorrID      = "correlation_id"
	fieldReplyTo     = "reply_to"
	fieldContentType = "content_type"
	fieldTimestamp   = "timestamp"
	fieldHeaders     = "headers"
	fieldPayload     = "payload"
	fieldRedelivered = "redelivered"
)

func isReplyQueue(name string) bool {
	return strings.HasPrefix(name, ReplyPrefix)
}

// streamValues lays msg out as stream entry fields.
func streamValues(msg broker.Publishing) (map[string]any, error) {
	v := map[string]any{
		fieldPayload: string(msg.Body),
	}
	if msg.CorrelationID != "" {
		v[fieldCorrID] = msg.CorrelationID
	}
	if msg.ReplyTo != "" {
		v[fieldReplyTo] = msg.ReplyTo
	}
	if msg.ContentType != "" {
		v[fieldContentType] = msg.ContentType
	}
	if !msg.Timestamp.IsZero() {
		v[fieldTimestamp] = strconv.FormatInt(msg.Timestamp.UnixNano(), 10)
	}
	if len(msg.Headers) > 0 {
		h, err := json.Marshal(msg.Headers)
		if err != nil {
			return nil, errors.Wrap(err, "encode headers")
		}
		v[fieldHeaders] = string(h)
	}
	return v, nil
}

// fromStream rebuilds the publishing stored in a stream entry.
func fromStream(m redis.XMessage) (msg broker.Publishing, redelivered bool, err error) {
	str := func(field string) string {
		s, _ := m.Values[field].(string)
		return s
	}
	msg = broker.Publishing{
		CorrelationID: str(fieldCorrID),
		ReplyTo:       str(fieldReplyTo),
		ContentType:   str(fieldContentType),
		Persistent:    true,
		Body:          []byte(str(fieldPayload)),
	}
	if ts := str(fieldTimestamp); ts != "" {
		ns, err := strconv.ParseInt(ts, 10, 64)
		if err != nil {
			return msg, false, errors.Wrapf(err, "entry %s: timestamp", m.ID)
		}
		msg.Timestamp = time.Unix(0, ns)
	}
	if h := str(fieldHeaders); h != "" {
		if err := json.Unmarshal([]byte(h), &msg.Headers); err != nil {
			return msg, false, errors.Wrapf(err, "entry %s: headers", m.ID)
		}
	}
	return msg, str(fieldRedelivered) == "1", nil
}

// frame is the Pub/Sub encoding of a publishing.
type frame struct {
	CorrelationID string            `json:"correlation_id,omitempty"`
	ReplyTo       string            `json:"reply_to,omitempty"`
	ContentType   string            `json:"content_type,omitempty"`
	Timestamp     int64             `json:"timestamp,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
	Body          []byte            `json:"body"`
}

func encodeFrame(msg broker.Publishing) ([]byte, error) {
	f := frame{
		CorrelationID: msg.CorrelationID,
		ReplyTo:       msg.ReplyTo,
		ContentType:   msg.ContentType,
		Headers:       msg.Headers,
		Body:          msg.Body,
	}
	if !msg.Timestamp.IsZero() {
		f.Timestamp = msg.Timestamp.UnixNano()
	}
	return json.Marshal(f)
}

func decodeFrame(payload string) (broker.Publishing, error) {
	var f frame
	if err := json.Unmarshal([]byte(payload), &f); err != nil {
		return broker.Publishing{}, errors.Wrap(err, "decode frame")
	}
	msg := broker.Publishing{
		CorrelationID: f.CorrelationID,
		ReplyTo:       f.ReplyTo,
		ContentType:   f.ContentType,
		Headers:       f.Headers,
		Body:          f.Body,
	}
	if f.Timestamp != 0 {
		msg.Timestamp = time.Unix(0, f.Timestamp)
	}
	return msg, nil
}
