// Package indexer copies every loan event into Elasticsearch so the loan
// audit trail can be searched.
package indexer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"library-workers/internal/common/bus"
	apperrors "library-workers/internal/common/errors"
	"library-workers/internal/common/logger"
	"library-workers/internal/common/metrics"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	TaskType = "audit-indexer"
	Queue    = "loan_audit_queue"
)

// BindingKeys are the routing keys bound to Queue.
var BindingKeys = []string{"loan.#"}

// Mapping is the index mapping created on startup.
const Mapping = `{
  "mappings": {
    "properties": {
      "event_type":   {"type": "keyword"},
      "routing_key":  {"type": "keyword"},
      "message_id":   {"type": "keyword"},
      "loan_id":      {"type": "long"},
      "user_id":      {"type": "long"},
      "book_id":      {"type": "long"},
      "book_title":   {"type": "text"},
      "error_code":   {"type": "keyword"},
      "fine_amount":  {"type": "scaled_float", "scaling_factor": 100},
      "published_at": {"type": "date"},
      "indexed_at":   {"type": "date"}
    }
  }
}`

type Indexer struct {
	client  *elasticsearch.Client
	index   string
	timeout time.Duration
	errors  *apperrors.ErrorHandler
	logger  logger.Logger
	now     func() time.Time
}

func New(client *elasticsearch.Client, index string, timeout time.Duration, log logger.Logger) *Indexer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	l := log.WithFields(map[string]interface{}{"taskType": TaskType, "index": index})
	return &Indexer{
		client:  client,
		index:   index,
		timeout: timeout,
		errors:  apperrors.NewErrorHandler(l),
		logger:  l,
		now:     time.Now,
	}
}

// Handle is a bus.Handler. The bus message id doubles as the document id, so
// a redelivered event overwrites its earlier copy.
func (i *Indexer) Handle(ctx context.Context, d *bus.Delivery) {
	log := logger.WithTrace(ctx, i.logger).WithFields(map[string]interface{}{
		"messageId":  d.ID,
		"routingKey": d.RoutingKey,
	})

	var doc map[string]interface{}
	if err := d.Decode(&doc); err != nil || doc == nil {
		if err == nil {
			err = fmt.Errorf("payload is not a JSON object")
		}
		i.settle(ctx, d, log, i.errors.HandleMessageError(TaskType, apperrors.NewMessageMalformedError(err)))
		return
	}
	doc["routing_key"] = d.RoutingKey
	doc["message_id"] = d.ID
	doc["published_at"] = d.PublishedAt.UTC().Format(time.RFC3339Nano)
	doc["indexed_at"] = i.now().UTC().Format(time.RFC3339Nano)

	body, err := json.Marshal(doc)
	if err != nil {
		i.settle(ctx, d, log, i.errors.HandleMessageError(TaskType, apperrors.NewMessageMalformedError(err)))
		return
	}

	opCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	if err := i.put(opCtx, d.ID, body); err != nil {
		metrics.WorkerJobsFailed.WithLabelValues(TaskType, errorCode(err)).Inc()
		i.settle(ctx, d, log, i.errors.HandleMessageError(TaskType, err))
		return
	}

	metrics.WorkerJobsCompleted.WithLabelValues(TaskType).Inc()
	log.Debug("event indexed", nil)
	i.settle(ctx, d, log, apperrors.DecisionAck)
}

func (i *Indexer) put(ctx context.Context, id string, body []byte) error {
	res, err := esapi.IndexRequest{
		Index:      i.index,
		DocumentID: id,
		Body:       bytes.NewReader(body),
	}.Do(ctx, i.client)
	if err != nil {
		return apperrors.NewExternalServiceError("elasticsearch", err)
	}
	defer res.Body.Close()

	if !res.IsError() {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil
	}

	detail, _ := io.ReadAll(io.LimitReader(res.Body, 512))
	cause := fmt.Errorf("index %s returned %s: %s", i.index, res.Status(), detail)
	if res.StatusCode >= 500 || res.StatusCode == 429 {
		return apperrors.NewExternalServiceError("elasticsearch", cause)
	}
	// a document the cluster refuses is refused again on redelivery
	return apperrors.NewValidationError(cause.Error())
}

func (i *Indexer) settle(ctx context.Context, d *bus.Delivery, log logger.Logger, decision apperrors.AckDecision) {
	var err error
	switch decision {
	case apperrors.DecisionAck:
		err = d.Ack(ctx)
	case apperrors.DecisionRequeue:
		err = d.Nack(ctx, true)
	default:
		err = d.Reject(ctx)
	}
	if err != nil {
		log.Error("failed to settle audit event", map[string]interface{}{"decision": string(decision), "error": err.Error()})
	}
}

func errorCode(err error) string {
	if stdErr, ok := apperrors.AsStandard(err); ok {
		return string(stdErr.Code)
	}
	return string(apperrors.ErrCodeInternal)
}
