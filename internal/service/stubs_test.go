package service

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/noah-isme/sma-class-pipeline/internal/llm"
	"github.com/noah-isme/sma-class-pipeline/internal/media"
	"github.com/noah-isme/sma-class-pipeline/internal/models"
	"github.com/noah-isme/sma-class-pipeline/internal/repository"
	"github.com/noah-isme/sma-class-pipeline/internal/sms"
	"github.com/noah-isme/sma-class-pipeline/pkg/jobs"
	"github.com/noah-isme/sma-class-pipeline/pkg/storage"
)

// sessionStoreStub mimics the conditional updates of SessionRepository over a map.
type sessionStoreStub struct {
	mu     sync.Mutex
	items  map[int64]*models.Session
	nextID int64
	now    time.Time

	beforePublish func(s *models.Session)
}

func newSessionStoreStub() *sessionStoreStub {
	return &sessionStoreStub{items: make(map[int64]*models.Session), now: time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC)}
}

func (m *sessionStoreStub) put(s *models.Session) *models.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s.ID == 0 {
		m.nextID++
		s.ID = m.nextID
	} else if s.ID > m.nextID {
		m.nextID = s.ID
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = m.now
	}
	cp := *s
	m.items[s.ID] = &cp
	return s
}

func (m *sessionStoreStub) get(id int64) *models.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.items[id]
	if !ok {
		return nil
	}
	cp := *s
	return &cp
}

func (m *sessionStoreStub) remove(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, id)
}

func (m *sessionStoreStub) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

func (m *sessionStoreStub) Create(ctx context.Context, session *models.Session, admission repository.Admission) (*models.Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if session.ClientRequestID != nil {
		for _, s := range m.items {
			if s.OwnerID == session.OwnerID && s.ClientRequestID != nil && *s.ClientRequestID == *session.ClientRequestID {
				cp := *s
				return &cp, true, nil
			}
		}
	}
	active := 0
	for _, s := range m.items {
		if s.OwnerID != session.OwnerID {
			continue
		}
		for _, status := range admission.Active {
			if s.Status == status {
				active++
			}
		}
	}
	if admission.MaxActive > 0 && active >= admission.MaxActive {
		return nil, false, repository.ErrAdmissionRefused
	}
	m.nextID++
	session.ID = m.nextID
	session.CreatedAt, session.UpdatedAt = m.now, m.now
	cp := *session
	m.items[session.ID] = &cp
	return session, false, nil
}

func (m *sessionStoreStub) FindByID(ctx context.Context, id int64) (*models.Session, error) {
	if s := m.get(id); s != nil {
		return s, nil
	}
	return nil, sql.ErrNoRows
}

func (m *sessionStoreStub) FindOwned(ctx context.Context, id int64, owner string) (*models.Session, error) {
	s := m.get(id)
	if s == nil || s.OwnerID != owner {
		return nil, sql.ErrNoRows
	}
	return s, nil
}

func (m *sessionStoreStub) FindByOwnerRequest(ctx context.Context, owner, requestID string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.items {
		if s.OwnerID == owner && s.ClientRequestID != nil && *s.ClientRequestID == requestID {
			cp := *s
			return &cp, nil
		}
	}
	return nil, sql.ErrNoRows
}

func (m *sessionStoreStub) CompareAndSetStatus(ctx context.Context, id int64, from, to models.SessionStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.items[id]
	if !ok || s.Status != from {
		return false, nil
	}
	s.Status, s.UpdatedAt = to, m.now
	return true, nil
}

func (m *sessionStoreStub) UpdateArtefact(ctx context.Context, id int64, column models.ArtefactColumn, value string, from, to models.SessionStatus, provider, model string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.items[id]
	if !ok || s.Status != from {
		return false, nil
	}
	switch column {
	case models.ArtefactTranscript:
		s.TranscriptMarkdown = value
	case models.ArtefactStructure:
		s.StructureJSON = value
	case models.ArtefactRecap:
		s.RecapMarkdown = value
	case models.ArtefactExamPrep:
		s.ExamPrepJSON = value
	}
	if provider != "" {
		s.LLMProvider, s.LLMModel = provider, model
	}
	s.Status, s.UpdatedAt = to, m.now
	return true, nil
}

func (m *sessionStoreStub) MarkFailed(ctx context.Context, id int64, detail string, expected ...models.SessionStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.items[id]
	if !ok || s.Status == models.StatusFailed {
		return false, nil
	}
	if len(expected) > 0 {
		match := false
		for _, status := range expected {
			match = match || s.Status == status
		}
		if !match {
			return false, nil
		}
	}
	s.Status, s.ErrorDetail, s.UpdatedAt = models.StatusFailed, models.BoundErrorDetail(detail), m.now
	return true, nil
}

func (m *sessionStoreStub) ClearMedia(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.items[id]; ok {
		s.MediaKey = nil
	}
	return nil
}

func (m *sessionStoreStub) Publish(ctx context.Context, id int64, ready []models.SessionStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.items[id]
	if !ok || s.IsPublished {
		return false, nil
	}
	if m.beforePublish != nil {
		m.beforePublish(s)
	}
	allowed := false
	for _, status := range ready {
		allowed = allowed || s.Status == status
	}
	if !allowed {
		return false, nil
	}
	now := m.now
	s.IsPublished, s.PublishedAt = true, &now
	return true, nil
}

func (m *sessionStoreStub) Patch(ctx context.Context, id int64, owner string, patch models.SessionPatch, locked []models.SessionStatus) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.items[id]
	if !ok || s.OwnerID != owner {
		return false, nil
	}
	if patch.StructureJSON != nil {
		for _, status := range locked {
			if s.Status == status {
				return false, nil
			}
		}
		s.StructureJSON = *patch.StructureJSON
	}
	if patch.Title != nil {
		s.Title = *patch.Title
	}
	if patch.Description != nil {
		s.Description = *patch.Description
	}
	if patch.Level != nil {
		s.Level = *patch.Level
	}
	if patch.Duration != nil {
		s.Duration = *patch.Duration
	}
	return true, nil
}

func (m *sessionStoreStub) Delete(ctx context.Context, id int64, owner string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.items[id]
	if !ok || s.OwnerID != owner {
		return false, nil
	}
	delete(m.items, id)
	return true, nil
}

func (m *sessionStoreStub) MarkStale(ctx context.Context, cutoff time.Time, statuses []models.SessionStatus, detail string) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []int64
	for id, s := range m.items {
		if !s.UpdatedAt.Before(cutoff) {
			continue
		}
		for _, status := range statuses {
			if s.Status == status {
				s.Status, s.ErrorDetail, s.UpdatedAt = models.StatusFailed, models.BoundErrorDetail(detail), m.now
				ids = append(ids, id)
				break
			}
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// structureStoreStub keeps outlines by session; CommitOutline goes through sessions when set.
type structureStoreStub struct {
	mu       sync.Mutex
	outlines map[int64]models.Outline
	sessions *sessionStoreStub
}

func newStructureStoreStub() *structureStoreStub {
	return &structureStoreStub{outlines: make(map[int64]models.Outline)}
}

func (m *structureStoreStub) ReplaceOutline(ctx context.Context, sessionID int64, outline models.Outline) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outlines[sessionID] = outline
	return nil
}

func (m *structureStoreStub) CommitOutline(ctx context.Context, sessionID int64, outline models.Outline, structureJSON string, from, to models.SessionStatus, provider, model string) (bool, error) {
	advanced, err := m.sessions.UpdateArtefact(ctx, sessionID, models.ArtefactStructure, structureJSON, from, to, provider, model)
	if err != nil || !advanced {
		return false, err
	}
	return true, m.ReplaceOutline(ctx, sessionID, outline)
}

func (m *structureStoreStub) ListSections(ctx context.Context, sessionID int64) ([]models.Section, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Section
	for i, section := range m.outlines[sessionID].Sections {
		out = append(out, models.Section{ID: int64(i + 1), SessionID: sessionID, ExternalID: section.ID, Order: i + 1, Title: section.Title})
	}
	return out, nil
}

func (m *structureStoreStub) ListUnits(ctx context.Context, sessionID int64) ([]models.Unit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Unit
	for i, section := range m.outlines[sessionID].Sections {
		for j, unit := range section.Units {
			out = append(out, models.Unit{SessionID: sessionID, SectionID: int64(i + 1), ExternalID: unit.ID, Order: j + 1, Title: unit.Title})
		}
	}
	return out, nil
}

type prerequisiteStoreStub struct {
	mu     sync.Mutex
	items  map[int64][]models.Prerequisite
	nextID int64
}

func newPrerequisiteStoreStub() *prerequisiteStoreStub {
	return &prerequisiteStoreStub{items: make(map[int64][]models.Prerequisite)}
}

func (m *prerequisiteStoreStub) Replace(ctx context.Context, sessionID int64, names []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rows := make([]models.Prerequisite, 0, len(names))
	for i, name := range names {
		m.nextID++
		rows = append(rows, models.Prerequisite{ID: m.nextID, SessionID: sessionID, Order: i + 1, Name: name})
	}
	m.items[sessionID] = rows
	return nil
}

func (m *prerequisiteStoreStub) List(ctx context.Context, sessionID int64) ([]models.Prerequisite, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Prerequisite(nil), m.items[sessionID]...), nil
}

func (m *prerequisiteStoreStub) SetTeachingText(ctx context.Context, id int64, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for sessionID, rows := range m.items {
		for i := range rows {
			if rows[i].ID == id {
				m.items[sessionID][i].TeachingText = text
			}
		}
	}
	return nil
}

type invitationStoreStub struct {
	mu      sync.Mutex
	items   []models.Invitation
	inserts int
}

func (m *invitationStoreStub) InsertMany(ctx context.Context, sessionID int64, phones, codes []string) ([]models.Invitation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inserts++
	var inserted []models.Invitation
	for i, phone := range phones {
		conflict := false
		for _, inv := range m.items {
			if inv.SessionID == sessionID && (inv.Phone == phone || inv.InviteCode == codes[i]) {
				conflict = true
				break
			}
		}
		if conflict {
			continue
		}
		inv := models.Invitation{ID: int64(len(m.items) + 1), SessionID: sessionID, Phone: phone, InviteCode: codes[i]}
		m.items = append(m.items, inv)
		inserted = append(inserted, inv)
	}
	return inserted, nil
}

func (m *invitationStoreStub) ListBySession(ctx context.Context, sessionID int64) ([]models.Invitation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Invitation
	for _, inv := range m.items {
		if inv.SessionID == sessionID {
			out = append(out, inv)
		}
	}
	return out, nil
}

type blobStoreStub struct {
	mu      sync.Mutex
	objects map[string][]byte
	putErr  error
	deleted []string
}

func newBlobStoreStub() *blobStoreStub {
	return &blobStoreStub{objects: make(map[string][]byte)}
}

func (m *blobStoreStub) Put(ctx context.Context, key string, r io.Reader, contentType string) error {
	if m.putErr != nil {
		return m.putErr
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	return nil
}

func (m *blobStoreStub) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, storage.ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *blobStoreStub) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	m.deleted = append(m.deleted, key)
	return nil
}

func (m *blobStoreStub) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok
}

type queueStub struct {
	mu   sync.Mutex
	jobs []jobs.Job
	err  error
}

func (m *queueStub) Enqueue(ctx context.Context, job jobs.Job, delay time.Duration) error {
	if m.err != nil {
		return m.err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs = append(m.jobs, job)
	return nil
}

func (m *queueStub) ofType(jobType string) []jobs.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []jobs.Job
	for _, job := range m.jobs {
		if job.Type == jobType {
			out = append(out, job)
		}
	}
	return out
}

// scriptedProvider answers by feature and counts calls; failures pop from fail before answering.
type scriptedProvider struct {
	mu      sync.Mutex
	name    string
	answers map[llm.Feature]string
	fail    map[llm.Feature][]error
	calls   map[llm.Feature]int
	during  func(req llm.Request)
}

func newScriptedProvider(name string) *scriptedProvider {
	return &scriptedProvider{
		name: name,
		answers: map[llm.Feature]string{
			llm.FeatureTranscription:     "Today we study ratios. A ratio compares two quantities.",
			llm.FeatureStructure:         "```json\n{\"title\":\"Ratios\",\"sections\":[{\"id\":\"s1\",\"title\":\"Intro\",\"units\":[{\"id\":\"s1-u1\",\"title\":\"What is a ratio\",\"merrill_type\":\"activation\"}]}]}\n```",
			llm.FeaturePrereqExtract:     `{"prerequisites":[{"name":"fractions"},{"name":"division"},{"name":"Fractions"}]}`,
			llm.FeaturePrereqTeach:       "A fraction is part of a whole, like $\\frac{1}{2}$.",
			llm.FeatureRecap:             `{"title":"Ratios","summary":"Ratios compare quantities.","key_points":["a:b"],"takeaways":["simplify"]}`,
			llm.FeatureExamPrepStructure: `{"title":"Mock exam","questions":[{"question_id":"a","question":"1+1"},{"question_id":"a","question":"2+2"},{"question":"3+3"}]}`,
		},
		fail:  make(map[llm.Feature][]error),
		calls: make(map[llm.Feature]int),
	}
}

func (p *scriptedProvider) Name() string         { return p.name }
func (p *scriptedProvider) DefaultModel() string { return p.name + "-model" }

func (p *scriptedProvider) Generate(ctx context.Context, model string, req llm.Request) (llm.Response, error) {
	p.mu.Lock()
	p.calls[req.Feature]++
	var err error
	if queued := p.fail[req.Feature]; len(queued) > 0 {
		err, p.fail[req.Feature] = queued[0], queued[1:]
	}
	answer := p.answers[req.Feature]
	during := p.during
	p.mu.Unlock()
	if during != nil {
		during(req)
	}
	if err != nil {
		return llm.Response{}, err
	}
	return llm.Response{Text: answer, Provider: p.name, Model: model}, nil
}

func (p *scriptedProvider) callCount(feature llm.Feature) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[feature]
}

type usageRecorderStub struct {
	mu   sync.Mutex
	rows []models.LLMUsageLog
}

func (m *usageRecorderStub) Record(ctx context.Context, entry *models.LLMUsageLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, *entry)
	return nil
}

func (m *usageRecorderStub) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

func noSleep(context.Context, time.Duration) error { return nil }

func newTestGateway(provider llm.Provider, recorder llm.UsageRecorder) *llm.Gateway {
	return llm.NewGateway([]llm.Provider{provider}, recorder, nil, llm.GatewayConfig{Primary: provider.Name(), MaxAttempts: 1}, llm.WithSleeper(noSleep))
}

type preparerStub struct {
	parts []media.Part
	err   error
	paths []string
}

func (m *preparerStub) Prepare(ctx context.Context, path, mimeType string) ([]media.Part, error) {
	m.paths = append(m.paths, path)
	if m.err != nil {
		return nil, m.err
	}
	if m.parts != nil {
		return m.parts, nil
	}
	return []media.Part{{Data: []byte("audio"), MIME: mimeType}}, nil
}

type smsClientStub struct {
	mu      sync.Mutex
	batches [][]sms.Message
	result  sms.Result
	err     error
}

func (m *smsClientStub) Send(ctx context.Context, messages []sms.Message) (sms.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, messages)
	if m.err != nil {
		return sms.Result{}, m.err
	}
	result := m.result
	if result.Accepted == 0 && len(result.Failures) == 0 {
		result.Accepted = len(messages)
	}
	return result, nil
}

func strPtr(s string) *string { return &s }

var errBoom = errors.New("boom")

func classSession(owner string, status models.SessionStatus) *models.Session {
	key := "sessions/" + owner + "/lecture.ogg"
	mimeType := "audio/ogg"
	return &models.Session{
		OwnerID:   owner,
		Title:     "Ratios",
		Kind:      models.KindClass,
		Status:    status,
		MediaKey:  &key,
		MediaMIME: &mimeType,
	}
}

func containsAll(s string, parts ...string) bool {
	for _, p := range parts {
		if !strings.Contains(s, p) {
			return false
		}
	}
	return true
}
