// Package annotate implements the pipeline worker that sends each item to a
// vision-language model and merges the decoded answer into the record.
package annotate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"groundset/internal/logging"
	"groundset/internal/payload"
	"groundset/internal/retry"
	"groundset/internal/services"
	"groundset/internal/services/llm"
	"groundset/internal/workitem"
)

// Completer is the model API used by Task.
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	CompleteVision(ctx context.Context, systemPrompt, userPrompt, imageURL string) (string, error)
}

// Options configures a Task.
type Options struct {
	SystemPrompt string
	Prompt       string
	// OutputField is the record key that receives the decoded answer.
	OutputField string
	// ImageRoot resolves relative image paths.
	ImageRoot string
	Logger    *slog.Logger
}

// Task annotates one item per Process call.
type Task struct {
	client  Completer
	retrier *retry.Client
	cache   *payload.Cache
	opts    Options
	logger  *slog.Logger
}

// New constructs a Task. A nil cache disables payload caching.
func New(client Completer, retrier *retry.Client, cache *payload.Cache, opts Options) *Task {
	if strings.TrimSpace(opts.OutputField) == "" {
		opts.OutputField = "annotation"
	}
	if cache == nil {
		cache = payload.NewCache()
	}
	return &Task{
		client:  client,
		retrier: retrier,
		cache:   cache,
		opts:    opts,
		logger:  logging.NewComponentLogger(opts.Logger, "annotate"),
	}
}

// Process annotates item and returns the enriched record. A missing image is
// a permanent error; model failures are retried under the task's policy.
func (t *Task) Process(ctx context.Context, item workitem.Item) (json.RawMessage, error) {
	imagePath, hasImage := t.imagePath(item)
	var imageURL string
	if hasImage {
		if _, err := os.Stat(imagePath); err != nil {
			return nil, services.Wrap(services.ErrNotFound, "annotate", "load image", imagePath, err)
		}
		encoded, err := t.cache.Get(item.Key, imagePath)
		if err != nil {
			return nil, services.Wrap(services.ErrValidation, "annotate", "encode image", imagePath, err)
		}
		imageURL = encoded
	}

	answer, err := retry.Call(ctx, t.retrier, "annotate", func(ctx context.Context) (json.RawMessage, error) {
		var content string
		var err error
		if hasImage {
			content, err = t.client.CompleteVision(ctx, t.opts.SystemPrompt, t.opts.Prompt, imageURL)
		} else {
			content, err = t.client.Complete(ctx, t.opts.SystemPrompt, textPrompt(t.opts.Prompt, item.Record))
		}
		if err != nil {
			return nil, err
		}
		var decoded json.RawMessage
		if err := llm.DecodeJSON(content, &decoded); err != nil {
			return nil, services.Wrap(services.ErrTransient, "annotate", "decode answer", "model returned invalid JSON", err)
		}
		return decoded, nil
	})
	if err != nil {
		return nil, err
	}

	logging.WithContext(ctx, t.logger).Debug("item annotated",
		logging.String("image", imagePath),
		logging.Int("answer_bytes", len(answer)),
	)
	return Merge(item.Record, t.opts.OutputField, answer, imagePath)
}

func (t *Task) imagePath(item workitem.Item) (string, bool) {
	path, ok := workitem.StringField(item.Record, workitem.PathFields...)
	if !ok {
		var bare string
		if err := json.Unmarshal(item.Record, &bare); err != nil || strings.TrimSpace(bare) == "" {
			return "", false
		}
		path = strings.TrimSpace(bare)
	}
	if !filepath.IsAbs(path) && t.opts.ImageRoot != "" {
		path = filepath.Join(t.opts.ImageRoot, path)
	}
	return path, true
}

func textPrompt(prompt string, record json.RawMessage) string {
	return strings.TrimSpace(prompt) + "\n\nRecord:\n" + string(record)
}

// Merge stores answer under field in record. Non-object records are wrapped:
// a bare image path becomes {"image": path}, anything else {"record": value}.
func Merge(record json.RawMessage, field string, answer json.RawMessage, imagePath string) (json.RawMessage, error) {
	if field == "" {
		return nil, errors.New("annotate: output field required")
	}
	obj := map[string]json.RawMessage{}
	trimmed := bytes.TrimSpace(record)
	switch {
	case len(trimmed) > 0 && trimmed[0] == '{':
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return nil, services.Wrap(services.ErrValidation, "annotate", "merge", "decode record", err)
		}
	case len(trimmed) > 0 && trimmed[0] == '"' && imagePath != "":
		obj["image"] = trimmed
	default:
		obj["record"] = trimmed
	}
	obj[field] = answer
	merged, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("annotate: encode record: %w", err)
	}
	return merged, nil
}
