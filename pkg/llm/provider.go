// Package llm defines the provider contract used by run pipelines.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Provider streams chat completions.
type Provider interface {
	// Complete sends a chat completion request and returns the full response.
	Complete(ctx context.Context, messages []Message) (*Response, error)

	// Stream sends a chat completion request and returns a channel of
	// incremental deltas. The channel is closed when the response ends or ctx
	// is done; a failure after the request started arrives as a Delta with
	// Err set.
	Stream(ctx context.Context, messages []Message) (<-chan Delta, error)
}

// Config holds common configuration for LLM providers.
type Config struct {
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float32
}

// Validate reports settings no provider can work with.
func (c *Config) Validate() error {
	var errs []error
	if !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
		errs = append(errs, fmt.Errorf("base url %q must be http or https", c.BaseURL))
	}
	if c.Model == "" {
		errs = append(errs, errors.New("model is required"))
	}
	if c.MaxTokens < 0 {
		errs = append(errs, fmt.Errorf("max tokens %d must not be negative", c.MaxTokens))
	}
	if c.Temperature < 0 || c.Temperature > 2 {
		errs = append(errs, fmt.Errorf("temperature %.2f must be within 0..2", c.Temperature))
	}
	return errors.Join(errs...)
}

// Collect drains a stream into a Response. It returns the content gathered
// so far together with the first delta error.
func Collect(stream <-chan Delta) (*Response, error) {
	var (
		b    strings.Builder
		resp Response
	)
	for d := range stream {
		if d.Err != nil {
			resp.Content = b.String()
			return &resp, d.Err
		}
		b.WriteString(d.Content)
		if d.Usage != nil {
			resp.Usage = *d.Usage
		}
	}
	resp.Content = b.String()
	return &resp, nil
}
