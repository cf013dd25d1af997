package events

import (
	"fmt"
	"strconv"

	ceevent "github.com/cloudevents/sdk-go/v2/event"
)

// TypePrefix namespaces runtime event types on the wire.
const TypePrefix = "io.conduit."

// ToCloudEvent wraps ev in a CloudEvents 1.0 envelope. source identifies the
// emitting runtime, usually /integration/{integration_id}.
func ToCloudEvent(ev Event, source string) (ceevent.Event, error) {
	ce := ceevent.New()
	ce.SetID(strconv.FormatInt(ev.ID, 10))
	ce.SetSource(source)
	ce.SetType(TypePrefix + ev.Type)
	ce.SetTime(ev.At)
	if ev.Subject != "" {
		ce.SetSubject(ev.Subject)
	}
	if err := ce.SetData(ceevent.ApplicationJSON, []byte(ev.Data)); err != nil {
		return ce, fmt.Errorf("could not set event data: %w", err)
	}
	if err := ce.Validate(); err != nil {
		return ce, fmt.Errorf("invalid cloud event: %w", err)
	}
	return ce, nil
}
