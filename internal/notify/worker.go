package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"

	"qrattendance/internal/attendance"
	"qrattendance/internal/directory"
	"qrattendance/internal/queue"
)

// Worker drains notification jobs from the queue.
type Worker struct {
	queue     queue.Queue
	notifier  *RecordNotifier
	records   attendance.Store
	directory directory.Directory
}

// NewWorker creates a worker.
func NewWorker(q queue.Queue, notifier *RecordNotifier, records attendance.Store, dir directory.Directory) *Worker {
	return &Worker{queue: q, notifier: notifier, records: records, directory: dir}
}

// Run consumes until ctx is done. Job failures are logged and skipped.
func (w *Worker) Run(ctx context.Context) error {
	messages, err := w.queue.Consume(ctx)
	if err != nil {
		return fmt.Errorf("queue consume init: %w", err)
	}
	log.Println("[worker] started, waiting for messages...")
	for msg := range messages {
		if err := w.Handle(ctx, msg); err != nil {
			log.Printf("[worker] %s job failed: %v", msg.Type, err)
		}
	}
	log.Println("[worker] stopped")
	return nil
}

// Handle processes one job.
func (w *Worker) Handle(ctx context.Context, msg queue.Message) error {
	if msg.Type != queue.TypeArrival {
		return fmt.Errorf("unknown job type %q", msg.Type)
	}
	var job queue.NotificationJob
	if err := json.Unmarshal(msg.Body, &job); err != nil {
		return fmt.Errorf("decoding job: %w", err)
	}

	rec, err := w.records.Get(ctx, job.RecordID)
	if err != nil {
		return fmt.Errorf("fetch record %s: %w", job.RecordID, err)
	}
	if rec.NotificationID != nil {
		log.Printf("[worker] record %s already notified (%s)", rec.ID, *rec.NotificationID)
		return nil
	}
	subject, err := w.directory.FindSubjectByID(ctx, rec.SubjectID)
	if err != nil {
		return fmt.Errorf("fetch subject %s: %w", rec.SubjectID, err)
	}

	n, err := w.notifier.Notify(ctx, rec, subject)
	if errors.Is(err, ErrNoDeliverableChannel) {
		log.Printf("[worker] record %s: subject %s has no contact on file", rec.ID, subject.ID)
		return nil
	}
	if err != nil {
		return err
	}
	log.Printf("[worker] record %s notified: %s", rec.ID, n.OverallStatus)
	return nil
}
