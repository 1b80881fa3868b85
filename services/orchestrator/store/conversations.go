// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianChat/services/orchestrator/datatypes"
	"github.com/bytedance/sonic"
	"github.com/dgraph-io/badger/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var storeTracer = otel.Tracer("aleutian.orchestrator.store")

const (
	convPrefix    = "conv/"
	dialogPrefix  = "dialog/"
	ttsTaskPrefix = "ttstask/"
)

func convKey(id string) []byte {
	return []byte(convPrefix + id)
}

func dialogKey(dialogID, convID string) []byte {
	return []byte(dialogPrefix + dialogID + "/" + convID)
}

func ttsTaskKey(taskID string) []byte {
	return []byte(ttsTaskPrefix + taskID)
}

// ConversationStore is the persistence contract used by handlers and the
// TTS tracker.
//
// Save writes the whole record (last write wins) and keeps the dialog and
// TTS task indexes in step with it. Create writes a new record and fails
// with ErrConversationExists when the id is taken.
type ConversationStore interface {
	Get(ctx context.Context, id string) (*datatypes.Conversation, error)
	Save(ctx context.Context, conv *datatypes.Conversation) error
	Create(ctx context.Context, conv *datatypes.Conversation) error
	Delete(ctx context.Context, id string) error
	ListByDialog(ctx context.Context, dialogID string) ([]*datatypes.Conversation, error)
	FindByTTSTask(ctx context.Context, taskID string) (*datatypes.Conversation, error)
}

// BadgerConversationStore implements ConversationStore on BadgerDB.
type BadgerConversationStore struct {
	db *DB
}

// NewConversationStore wraps an open DB.
func NewConversationStore(db *DB) *BadgerConversationStore {
	return &BadgerConversationStore{db: db}
}

var errConversationNotFound = datatypes.NotFoundError("Conversation not found!")

// ErrConversationExists is returned by Create for an id already in use.
var ErrConversationExists = datatypes.ValidationError("Conversation already exists!")

// Get loads a conversation. Returns a NotFound error when it does not exist.
func (s *BadgerConversationStore) Get(ctx context.Context, id string) (*datatypes.Conversation, error) {
	var conv *datatypes.Conversation
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		var err error
		conv, err = readConversation(txn, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return conv, nil
}

func readConversation(txn *badger.Txn, id string) (*datatypes.Conversation, error) {
	item, err := txn.Get(convKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, errConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get conversation %s: %w", id, err)
	}
	var conv datatypes.Conversation
	err = item.Value(func(val []byte) error {
		return sonic.Unmarshal(val, &conv)
	})
	if err != nil {
		return nil, fmt.Errorf("decode conversation %s: %w", id, err)
	}
	return &conv, nil
}

// Save writes the conversation, bumping its revision and update time.
//
// Every TTS task id found on the conversation or its messages is indexed so
// callbacks resolve without a scan. Index entries are never removed on save;
// task ids are not reused.
func (s *BadgerConversationStore) Save(ctx context.Context, conv *datatypes.Conversation) error {
	ctx, span := storeTracer.Start(ctx, "ConversationStore.Save")
	defer span.End()
	return s.write(ctx, span, conv, false)
}

// Create writes a conversation that must not exist yet. The existence check
// and the write share one transaction, so two creates of the same id cannot
// both succeed.
func (s *BadgerConversationStore) Create(ctx context.Context, conv *datatypes.Conversation) error {
	ctx, span := storeTracer.Start(ctx, "ConversationStore.Create")
	defer span.End()
	return s.write(ctx, span, conv, true)
}

func (s *BadgerConversationStore) write(ctx context.Context, span trace.Span, conv *datatypes.Conversation, createOnly bool) error {
	span.SetAttributes(attribute.String("conversation.id", conv.ID))

	if conv.ID == "" {
		return errors.New("conversation id is required")
	}

	now := time.Now().UnixMilli()
	if conv.CreateTime == 0 {
		conv.CreateTime = now
	}
	conv.UpdateTime = now
	conv.Revision++

	err := s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		prev, err := readConversation(txn, conv.ID)
		if err != nil && !errors.Is(err, datatypes.ErrNotFound) {
			return err
		}
		if createOnly && prev != nil {
			return ErrConversationExists
		}
		if prev != nil && prev.DialogID != conv.DialogID {
			if err := txn.Delete(dialogKey(prev.DialogID, conv.ID)); err != nil {
				return fmt.Errorf("drop stale dialog index: %w", err)
			}
		}

		data, err := sonic.Marshal(conv)
		if err != nil {
			return fmt.Errorf("encode conversation: %w", err)
		}
		if err := txn.Set(convKey(conv.ID), data); err != nil {
			return fmt.Errorf("write conversation: %w", err)
		}
		if err := txn.Set(dialogKey(conv.DialogID, conv.ID), nil); err != nil {
			return fmt.Errorf("write dialog index: %w", err)
		}
		for _, taskID := range conv.TaskIDs() {
			if err := txn.Set(ttsTaskKey(taskID), []byte(conv.ID)); err != nil {
				return fmt.Errorf("write task index: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		conv.Revision--
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, ErrConversationExists) {
			return err
		}
		return fmt.Errorf("save conversation %s: %w", conv.ID, err)
	}
	return nil
}

// Delete removes a conversation and its index entries.
func (s *BadgerConversationStore) Delete(ctx context.Context, id string) error {
	return s.db.WithTxn(ctx, func(txn *badger.Txn) error {
		conv, err := readConversation(txn, id)
		if err != nil {
			return err
		}
		if err := txn.Delete(convKey(id)); err != nil {
			return fmt.Errorf("delete conversation %s: %w", id, err)
		}
		if err := txn.Delete(dialogKey(conv.DialogID, id)); err != nil {
			return fmt.Errorf("delete dialog index: %w", err)
		}
		for _, taskID := range conv.TaskIDs() {
			if err := txn.Delete(ttsTaskKey(taskID)); err != nil {
				return fmt.Errorf("delete task index: %w", err)
			}
		}
		return nil
	})
}

// ListByDialog returns the conversations of a dialog, newest first.
func (s *BadgerConversationStore) ListByDialog(ctx context.Context, dialogID string) ([]*datatypes.Conversation, error) {
	var convs []*datatypes.Conversation
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		prefix := []byte(dialogPrefix + dialogID + "/")
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = prefix

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			convID := strings.TrimPrefix(string(it.Item().Key()), string(prefix))
			conv, err := readConversation(txn, convID)
			if errors.Is(err, datatypes.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			convs = append(convs, conv)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.SliceStable(convs, func(i, j int) bool {
		return convs[i].CreateTime > convs[j].CreateTime
	})
	return convs, nil
}

// FindByTTSTask resolves the conversation that owns a TTS task.
//
// The task index is consulted first. Records written before the index
// existed are found by scanning: conversation-level matches take precedence
// over message-level matches.
func (s *BadgerConversationStore) FindByTTSTask(ctx context.Context, taskID string) (*datatypes.Conversation, error) {
	ctx, span := storeTracer.Start(ctx, "ConversationStore.FindByTTSTask")
	defer span.End()
	span.SetAttributes(attribute.String("tts.task_id", taskID))

	var found *datatypes.Conversation
	err := s.db.WithReadTxn(ctx, func(txn *badger.Txn) error {
		item, err := txn.Get(ttsTaskKey(taskID))
		if err == nil {
			convID, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("read task index: %w", err)
			}
			conv, err := readConversation(txn, string(convID))
			if err == nil && ownsTask(conv, taskID) {
				found = conv
				return nil
			}
			if err != nil && !errors.Is(err, datatypes.ErrNotFound) {
				return err
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return fmt.Errorf("read task index: %w", err)
		}

		span.SetAttributes(attribute.Bool("tts.index_miss", true))
		found, err = scanForTask(txn, taskID)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if found == nil {
		return nil, datatypes.NotFoundError("Conversation not found for task_id")
	}
	return found, nil
}

func ownsTask(conv *datatypes.Conversation, taskID string) bool {
	return conv.TTSTaskID == taskID || conv.HasMessageTask(taskID)
}

func scanForTask(txn *badger.Txn, taskID string) (*datatypes.Conversation, error) {
	prefix := []byte(convPrefix)
	opts := badger.DefaultIteratorOptions
	opts.Prefix = prefix
	it := txn.NewIterator(opts)
	defer it.Close()

	var messageMatch *datatypes.Conversation
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		var conv datatypes.Conversation
		err := it.Item().Value(func(val []byte) error {
			return sonic.Unmarshal(val, &conv)
		})
		if err != nil {
			slog.Warn("Skipping undecodable conversation in task scan", "key", string(it.Item().Key()), "error", err)
			continue
		}
		if conv.TTSTaskID == taskID {
			return &conv, nil
		}
		if messageMatch == nil && conv.HasMessageTask(taskID) {
			c := conv
			messageMatch = &c
		}
	}
	return messageMatch, nil
}

var _ ConversationStore = (*BadgerConversationStore)(nil)
