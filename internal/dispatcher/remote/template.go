package remote

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/cuongbtq/media-dispatch/internal/dispatcher/domain"
)

// ObjectGetter reads an object from storage by URI
type ObjectGetter interface {
	Get(ctx context.Context, uri string) (io.ReadCloser, error)
}

// Template is the command run on an instance for each job
type Template struct {
	text string
}

// NewTemplate wraps a command template string
func NewTemplate(text string) *Template {
	return &Template{text: text}
}

// LoadTemplate reads a template from a local path or, for s3:// URIs, from
// object storage.
func LoadTemplate(ctx context.Context, source string, getter ObjectGetter) (*Template, error) {
	if strings.HasPrefix(source, "s3://") {
		if getter == nil {
			return nil, fmt.Errorf("no object store configured for %s", source)
		}
		body, err := getter.Get(ctx, source)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch command template: %w", err)
		}
		defer body.Close()

		data, err := io.ReadAll(body)
		if err != nil {
			return nil, fmt.Errorf("failed to read command template: %w", err)
		}
		return NewTemplate(string(data)), nil
	}

	data, err := os.ReadFile(source)
	if err != nil {
		return nil, fmt.Errorf("failed to read command template: %w", err)
	}
	return NewTemplate(string(data)), nil
}

// Render substitutes the job's input and output file names
func (t *Template) Render(job *domain.JobMessage) string {
	// single pass: substituted names are never rescanned for placeholders
	replacer := strings.NewReplacer(
		domain.InputPlaceholder, job.InputFile(),
		domain.OutputPlaceholder, job.OutputFile(),
	)
	return replacer.Replace(t.text)
}

// String returns the raw template
func (t *Template) String() string {
	return t.text
}
