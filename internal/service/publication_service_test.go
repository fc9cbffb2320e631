package service

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-class-pipeline/internal/models"
	"github.com/noah-isme/sma-class-pipeline/pkg/jobs"
)

func finishedClass(sessions *sessionStoreStub) *models.Session {
	session := classSession("teacher-1", models.StatusRecapped)
	session.TranscriptMarkdown = "transcript"
	session.StructureJSON = `{"sections":[{"id":"s1"}]}`
	session.RecapMarkdown = "# Ratios"
	return sessions.put(session)
}

func TestPublicationServicePublishEnqueuesFanoutOnce(t *testing.T) {
	sessions := newSessionStoreStub()
	queue := &queueStub{}
	svc := NewPublicationService(sessions, queue, nil)
	session := finishedClass(sessions)

	first, err := svc.Publish(context.Background(), "teacher-1", session.ID)
	require.NoError(t, err)
	assert.True(t, first.FirstTime)
	assert.True(t, first.Session.IsPublished)
	assert.NotNil(t, first.Session.PublishedAt)

	again, err := svc.Publish(context.Background(), "teacher-1", session.ID)
	require.NoError(t, err)
	assert.False(t, again.FirstTime)
	assert.True(t, again.Session.IsPublished)

	fanouts := queue.ofType(JobSMSFanout)
	require.Len(t, fanouts, 1)
	assert.Equal(t, jobs.LaneDefault, fanouts[0].Lane)
	var payload FanoutPayload
	require.NoError(t, fanouts[0].Decode(&payload))
	assert.Equal(t, session.ID, payload.SessionID)
}

func TestPublicationServiceConcurrentPublish(t *testing.T) {
	sessions := newSessionStoreStub()
	queue := &queueStub{}
	svc := NewPublicationService(sessions, queue, nil)
	session := finishedClass(sessions)

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		first int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := svc.Publish(context.Background(), "teacher-1", session.ID)
			if assert.NoError(t, err) && result.FirstTime {
				mu.Lock()
				first++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, first)
	assert.Len(t, queue.ofType(JobSMSFanout), 1)
}

func TestPublicationServiceRefusesUnfinishedSessions(t *testing.T) {
	sessions := newSessionStoreStub()
	queue := &queueStub{}
	svc := NewPublicationService(sessions, queue, nil)

	structured := classSession("teacher-1", models.StatusStructured)
	structured.StructureJSON = `{"sections":[{"id":"s1"}]}`
	structured = sessions.put(structured)
	_, err := svc.Publish(context.Background(), "teacher-1", structured.ID)
	requireStatus(t, err, http.StatusBadRequest)

	empty := sessions.put(classSession("teacher-1", models.StatusRecapped))
	_, err = svc.Publish(context.Background(), "teacher-1", empty.ID)
	requireStatus(t, err, http.StatusBadRequest)

	failed := classSession("teacher-1", models.StatusFailed)
	failed.StructureJSON = `{"sections":[{"id":"s1"}]}`
	failed = sessions.put(failed)
	_, err = svc.Publish(context.Background(), "teacher-1", failed.ID)
	requireStatus(t, err, http.StatusBadRequest)

	done := finishedClass(sessions)
	_, err = svc.Publish(context.Background(), "teacher-2", done.ID)
	requireStatus(t, err, http.StatusNotFound)

	assert.Empty(t, queue.jobs)
	assert.False(t, sessions.get(done.ID).IsPublished)
}

func TestPublicationServicePublishesExamPrep(t *testing.T) {
	sessions := newSessionStoreStub()
	svc := NewPublicationService(sessions, &queueStub{}, nil)
	exam := classSession("teacher-1", models.StatusExamStructured)
	exam.Kind = models.KindExamPrep
	exam.ExamPrepJSON = `{"questions":[]}`
	exam = sessions.put(exam)

	result, err := svc.Publish(context.Background(), "teacher-1", exam.ID)

	require.NoError(t, err)
	assert.True(t, result.FirstTime)
}

func TestPublicationServiceEnqueueFailureStillPublishes(t *testing.T) {
	sessions := newSessionStoreStub()
	svc := NewPublicationService(sessions, &queueStub{err: errors.New("redis down")}, nil)
	session := finishedClass(sessions)

	result, err := svc.Publish(context.Background(), "teacher-1", session.ID)

	require.NoError(t, err)
	assert.True(t, result.FirstTime)
	assert.True(t, sessions.get(session.ID).IsPublished)
}

func TestPublicationServiceRefusesWhenStatusMovesBeforeFlip(t *testing.T) {
	sessions := newSessionStoreStub()
	queue := &queueStub{}
	svc := NewPublicationService(sessions, queue, nil)
	session := finishedClass(sessions)
	sessions.beforePublish = func(s *models.Session) { s.Status = models.StatusFailed }

	_, err := svc.Publish(context.Background(), "teacher-1", session.ID)

	requireStatus(t, err, http.StatusBadRequest)
	assert.False(t, sessions.get(session.ID).IsPublished)
	assert.Empty(t, queue.jobs)
}
