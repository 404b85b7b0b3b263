package queue

import (
	"encoding/json"
	"fmt"

	"github.com/aws/aws-lambda-go/events"
	"github.com/cuongbtq/media-dispatch/internal/dispatcher/domain"
)

// ParseEvent decodes a storage event envelope and checks that its first record
// comes from expectedSource.
func ParseEvent(body, expectedSource string) (events.S3EventRecord, error) {
	var envelope events.S3Event
	if err := json.Unmarshal([]byte(body), &envelope); err != nil {
		return events.S3EventRecord{}, fmt.Errorf("%w: %v", domain.ErrInvalidEvent, err)
	}

	if len(envelope.Records) == 0 {
		return events.S3EventRecord{}, fmt.Errorf("%w: no records", domain.ErrInvalidEvent)
	}

	record := envelope.Records[0]
	if record.EventSource != expectedSource {
		return events.S3EventRecord{}, fmt.Errorf("%w: %q", domain.ErrUnexpectedSource, record.EventSource)
	}

	if record.S3.Object.Key == "" {
		return events.S3EventRecord{}, fmt.Errorf("%w: empty object key", domain.ErrInvalidEvent)
	}

	return record, nil
}
