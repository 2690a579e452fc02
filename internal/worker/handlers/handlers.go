// Package handlers provides the fixed catalog of task handlers. Each handler
// implements the business logic for one task type: payload in, result or
// error out. Handlers never touch task state.
package handlers

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/taskmill/taskmill/internal/registry"
)

const maxSleepSeconds = 300

// Register installs the full catalog into the registry.
func Register(reg *registry.Registry) {
	reg.Register("echo", Echo)
	reg.Register("compute", Compute)
	reg.Register("sleep", Sleep)
	reg.Register("http_request", HTTPRequest)
	reg.Register("process_data", ProcessData)
	reg.Register("send_email", SendEmail)
	reg.Register("resize_image", ResizeImage)
	reg.Register("generate_report", GenerateReport)
}

func Echo(_ context.Context, payload map[string]any) (map[string]any, error) {
	return map[string]any{"echoed": payload}, nil
}

func Compute(_ context.Context, payload map[string]any) (map[string]any, error) {
	operation := stringField(payload, "operation", "sum")
	numbers, err := numberSlice(payload, "numbers")
	if err != nil {
		return nil, err
	}

	var result float64
	switch operation {
	case "sum":
		for _, n := range numbers {
			result += n
		}
	case "product":
		result = 1
		for _, n := range numbers {
			result *= n
		}
	case "average":
		if len(numbers) > 0 {
			var sum float64
			for _, n := range numbers {
				sum += n
			}
			result = sum / float64(len(numbers))
		}
	default:
		return nil, errors.Errorf("unknown operation: %s", operation)
	}

	return map[string]any{"operation": operation, "result": result}, nil
}

func Sleep(ctx context.Context, payload map[string]any) (map[string]any, error) {
	duration := numberField(payload, "duration", 1)
	if duration > maxSleepSeconds {
		duration = maxSleepSeconds
	}

	select {
	case <-time.After(time.Duration(duration * float64(time.Second))):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	return map[string]any{"slept_for": duration}, nil
}

func ProcessData(_ context.Context, payload map[string]any) (map[string]any, error) {
	data, _ := payload["data"].([]any)
	operation := stringField(payload, "operation", "transform")

	var processed any
	switch operation {
	case "transform":
		out := make([]any, 0, len(data))
		for _, item := range data {
			switch v := item.(type) {
			case string:
				out = append(out, strings.ToUpper(v))
			case float64:
				out = append(out, v*2)
			default:
				out = append(out, item)
			}
		}
		processed = out
	case "filter":
		predicate := stringField(payload, "predicate", "truthy")
		out := make([]any, 0, len(data))
		for _, item := range data {
			switch predicate {
			case "truthy":
				if truthy(item) {
					out = append(out, item)
				}
			case "even":
				if n, ok := item.(float64); ok && n == float64(int64(n)) && int64(n)%2 == 0 {
					out = append(out, item)
				}
			default:
				out = append(out, item)
			}
		}
		processed = out
	case "aggregate":
		processed = map[string]any{"count": len(data), "items": data}
	default:
		processed = data
	}

	return map[string]any{"processed": processed, "count": len(data)}, nil
}

func ResizeImage(_ context.Context, payload map[string]any) (map[string]any, error) {
	imageURL := stringField(payload, "image_url", "")
	if imageURL == "" {
		return nil, errors.New("missing 'image_url' field")
	}

	width := int(numberField(payload, "width", 800))
	height := int(numberField(payload, "height", 600))

	// Simulated resize; a real deployment would fetch and transform the image.
	time.Sleep(50 * time.Millisecond)

	return map[string]any{
		"image_url": imageURL,
		"width":     width,
		"height":    height,
		"resized":   true,
	}, nil
}

func GenerateReport(_ context.Context, payload map[string]any) (map[string]any, error) {
	reportType := stringField(payload, "report_type", "")
	if reportType == "" {
		return nil, errors.New("missing 'report_type' field")
	}

	// Simulated generation.
	time.Sleep(50 * time.Millisecond)

	return map[string]any{
		"report_type": reportType,
		"generated":   true,
	}, nil
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case string:
		return x != ""
	case float64:
		return x != 0
	case []any:
		return len(x) > 0
	case map[string]any:
		return len(x) > 0
	default:
		return true
	}
}

func stringField(payload map[string]any, key, fallback string) string {
	if v, ok := payload[key].(string); ok {
		return v
	}

	return fallback
}

func numberField(payload map[string]any, key string, fallback float64) float64 {
	switch v := payload[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return fallback
	}
}

func numberSlice(payload map[string]any, key string) ([]float64, error) {
	raw, ok := payload[key].([]any)
	if !ok {
		return nil, errors.Errorf("missing '%s' field", key)
	}

	numbers := make([]float64, 0, len(raw))
	for _, item := range raw {
		switch v := item.(type) {
		case float64:
			numbers = append(numbers, v)
		case int:
			numbers = append(numbers, float64(v))
		default:
			return nil, errors.Errorf("'%s' must contain only numbers", key)
		}
	}

	return numbers, nil
}
