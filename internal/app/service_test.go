package app

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"bandbeat/api/internal/config"
	"bandbeat/api/internal/store"
	"bandbeat/api/internal/util"
)

// memStore is an in-memory dataStore used by the service and HTTP tests.
type memStore struct {
	mu          sync.Mutex
	members     map[string]store.Member
	sessions    map[string]store.Session
	current     string
	submissions map[string]store.Submission
	proposals   map[string]store.Proposal
	entries     map[string]store.Entry
	refresh     map[string]refreshRow
	revoked     map[string]bool
	resets      map[string]string
	states      map[string]store.DialogueState
}

type refreshRow struct {
	memberID  string
	expiresAt time.Time
}

func newMemStore() *memStore {
	return &memStore{
		members:     map[string]store.Member{},
		sessions:    map[string]store.Session{},
		submissions: map[string]store.Submission{},
		proposals:   map[string]store.Proposal{},
		entries:     map[string]store.Entry{},
		refresh:     map[string]refreshRow{},
		revoked:     map[string]bool{},
		resets:      map[string]string{},
		states:      map[string]store.DialogueState{},
	}
}

func entryKey(sessionID, songID, memberUID string) string {
	return sessionID + "|" + songID + "|" + memberUID
}

func (m *memStore) EnsureMemberByLineID(_ context.Context, lineUserID string) (store.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, member := range m.members {
		if member.LineUserID == lineUserID {
			return member, nil
		}
	}
	member := store.Member{ID: util.NewID("mem"), LineUserID: lineUserID, Role: "member"}
	m.members[member.ID] = member
	return member, nil
}

func (m *memStore) GetMemberByID(_ context.Context, memberID string) (store.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	member, ok := m.members[memberID]
	if !ok {
		return store.Member{}, sql.ErrNoRows
	}
	return member, nil
}

func (m *memStore) GetMemberByEmail(_ context.Context, email string) (store.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, member := range m.members {
		if member.Email == email && email != "" {
			return member, nil
		}
	}
	return store.Member{}, sql.ErrNoRows
}

func (m *memStore) ListMembers(_ context.Context) ([]store.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	members := make([]store.Member, 0, len(m.members))
	for _, member := range m.members {
		members = append(members, member)
	}
	sort.Slice(members, func(i, j int) bool { return members[i].ID < members[j].ID })
	return members, nil
}

func (m *memStore) CreateMember(_ context.Context, member store.Member) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.members[member.ID] = member
	return nil
}

func (m *memStore) UpdateMemberProfile(_ context.Context, memberID, displayName, photoURL string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	member, ok := m.members[memberID]
	if !ok {
		return sql.ErrNoRows
	}
	now := time.Now()
	member.DisplayName = displayName
	member.PhotoURL = photoURL
	member.ProfileUpdatedAt = &now
	m.members[memberID] = member
	return nil
}

func (m *memStore) ApproveMember(_ context.Context, memberID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	member, ok := m.members[memberID]
	if !ok {
		return sql.ErrNoRows
	}
	now := time.Now()
	member.Approved = true
	member.ApprovedAt = &now
	m.members[memberID] = member
	return nil
}

func (m *memStore) UpdateMemberVerificationToken(_ context.Context, memberID, token string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	member, ok := m.members[memberID]
	if !ok {
		return sql.ErrNoRows
	}
	member.VerificationToken = token
	member.VerificationExpiresAt = &expiresAt
	m.members[memberID] = member
	return nil
}

func (m *memStore) VerifyMemberEmail(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, member := range m.members {
		if member.VerificationToken == token && token != "" {
			member.IsEmailVerified = true
			member.VerificationToken = ""
			m.members[id] = member
			return nil
		}
	}
	return sql.ErrNoRows
}

func (m *memStore) UpdateMemberPassword(_ context.Context, memberID, passwordHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	member, ok := m.members[memberID]
	if !ok {
		return sql.ErrNoRows
	}
	member.PasswordHash = passwordHash
	m.members[memberID] = member
	return nil
}

func (m *memStore) DeleteMemberCascade(_ context.Context, memberID, lineUserID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.members, memberID)
	if lineUserID != "" {
		delete(m.states, lineUserID)
	}
	for key, entry := range m.entries {
		if entry.MemberUID == memberID {
			delete(m.entries, key)
		}
	}
	for id, sub := range m.submissions {
		if sub.UserID == memberID {
			delete(m.submissions, id)
		}
	}
	for id, proposal := range m.proposals {
		if proposal.ProposerUID == memberID {
			delete(m.proposals, id)
		}
	}
	return nil
}

func (m *memStore) GetSession(_ context.Context, sessionID string) (store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return store.Session{}, sql.ErrNoRows
	}
	return sess, nil
}

func (m *memStore) GetCurrentSession(_ context.Context) (store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[m.current]
	if !ok {
		return store.Session{}, sql.ErrNoRows
	}
	return sess, nil
}

func (m *memStore) SetCurrentSession(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return sql.ErrNoRows
	}
	m.current = sessionID
	return nil
}

func (m *memStore) InsertSession(_ context.Context, sess store.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sess.ID] = sess
	return nil
}

func (m *memStore) ListSessions(_ context.Context) ([]store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sessions := make([]store.Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		sessions = append(sessions, sess)
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i].ID < sessions[j].ID })
	return sessions, nil
}

func (m *memStore) UpdateSessionStatus(_ context.Context, sessionID, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return sql.ErrNoRows
	}
	sess.Status = status
	m.sessions[sessionID] = sess
	return nil
}

func (m *memStore) UpdateSessionExportObject(_ context.Context, sessionID, object string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return sql.ErrNoRows
	}
	sess.ExportObject = object
	m.sessions[sessionID] = sess
	return nil
}

func (m *memStore) GetSubmission(_ context.Context, sessionID, userID string) (store.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.submissions[store.SubmissionID(sessionID, userID)]
	if !ok {
		return store.Submission{}, sql.ErrNoRows
	}
	return sub, nil
}

func (m *memStore) ListSubmissions(_ context.Context, sessionID string) ([]store.Submission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := make([]store.Submission, 0)
	for _, sub := range m.submissions {
		if sub.SessionID == sessionID {
			subs = append(subs, sub)
		}
	}
	sort.Slice(subs, func(i, j int) bool { return subs[i].UserID < subs[j].UserID })
	return subs, nil
}

func (m *memStore) UpsertSubmission(_ context.Context, sub store.Submission) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submissions[sub.ID()] = sub
	return nil
}

func (m *memStore) DeleteSubmissionCascade(_ context.Context, sessionID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := store.SubmissionID(sessionID, userID)
	if _, ok := m.submissions[id]; !ok {
		return sql.ErrNoRows
	}
	delete(m.submissions, id)
	for key, entry := range m.entries {
		if entry.SongID == id {
			delete(m.entries, key)
		}
	}
	return nil
}

func (m *memStore) GetProposal(_ context.Context, sessionID, proposalID string) (store.Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	proposal, ok := m.proposals[proposalID]
	if !ok || proposal.SessionID != sessionID {
		return store.Proposal{}, sql.ErrNoRows
	}
	return proposal, nil
}

func (m *memStore) ListProposals(_ context.Context, sessionID string) ([]store.Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	proposals := make([]store.Proposal, 0)
	for _, proposal := range m.proposals {
		if proposal.SessionID == sessionID {
			proposals = append(proposals, proposal)
		}
	}
	sort.Slice(proposals, func(i, j int) bool { return proposals[i].ID < proposals[j].ID })
	return proposals, nil
}

func (m *memStore) CreateProposalWithSelfEntry(_ context.Context, proposal store.Proposal, entry store.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.proposals {
		if existing.SessionID == proposal.SessionID && existing.ProposerUID == proposal.ProposerUID {
			return store.ErrAlreadyExists
		}
	}
	m.proposals[proposal.ID] = proposal
	m.entries[entryKey(entry.SessionID, entry.SongID, entry.MemberUID)] = entry
	return nil
}

func (m *memStore) UpdateProposalWithSelfEntry(_ context.Context, proposal store.Proposal, entry store.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.proposals[proposal.ID]; !ok {
		return sql.ErrNoRows
	}
	m.proposals[proposal.ID] = proposal
	m.entries[entryKey(entry.SessionID, entry.SongID, entry.MemberUID)] = entry
	return nil
}

func (m *memStore) DeleteProposalCascade(_ context.Context, sessionID, proposalID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.proposals, proposalID)
	for key, entry := range m.entries {
		if entry.SessionID == sessionID && entry.SongID == proposalID {
			delete(m.entries, key)
		}
	}
	return nil
}

func (m *memStore) UpdateSetlist(_ context.Context, sessionID string, orderedIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	position := map[string]int{}
	for i, id := range orderedIDs {
		position[id] = i + 1
	}
	for id, proposal := range m.proposals {
		if proposal.SessionID != sessionID {
			continue
		}
		if pos, ok := position[id]; ok {
			p := pos
			proposal.SetlistOrder = &p
			proposal.Selected = true
		} else {
			proposal.SetlistOrder = nil
			proposal.Selected = false
		}
		m.proposals[id] = proposal
	}
	return nil
}

func (m *memStore) ListEntries(_ context.Context, sessionID string) ([]store.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := make([]store.Entry, 0)
	for _, entry := range m.entries {
		if entry.SessionID == sessionID {
			entries = append(entries, entry)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].SongID != entries[j].SongID {
			return entries[i].SongID < entries[j].SongID
		}
		return entries[i].MemberUID < entries[j].MemberUID
	})
	return entries, nil
}

func (m *memStore) ListEntriesByMember(_ context.Context, sessionID, memberUID string) ([]store.Entry, error) {
	entries, _ := m.ListEntries(context.Background(), sessionID)
	mine := make([]store.Entry, 0)
	for _, entry := range entries {
		if entry.MemberUID == memberUID {
			mine = append(mine, entry)
		}
	}
	return mine, nil
}

func (m *memStore) UpsertEntry(_ context.Context, entry store.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[entryKey(entry.SessionID, entry.SongID, entry.MemberUID)] = entry
	return nil
}

func (m *memStore) DeleteEntry(_ context.Context, sessionID, songID, memberUID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, entryKey(sessionID, songID, memberUID))
	return nil
}

func (m *memStore) ReplaceMemberEntries(_ context.Context, sessionID, memberUID string, entries []store.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, entry := range m.entries {
		if entry.SessionID == sessionID && entry.MemberUID == memberUID && !entry.IsSelfProposal {
			delete(m.entries, key)
		}
	}
	for _, entry := range entries {
		m.entries[entryKey(entry.SessionID, entry.SongID, entry.MemberUID)] = entry
	}
	return nil
}

func (m *memStore) SaveRefreshSession(_ context.Context, tokenHash, memberID string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refresh[tokenHash] = refreshRow{memberID: memberID, expiresAt: expiresAt}
	return nil
}

func (m *memStore) LookupRefreshSession(_ context.Context, tokenHash string) (store.Member, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.refresh[tokenHash]
	if !ok || time.Now().After(row.expiresAt) {
		return store.Member{}, sql.ErrNoRows
	}
	member, ok := m.members[row.memberID]
	if !ok {
		return store.Member{}, sql.ErrNoRows
	}
	return member, nil
}

func (m *memStore) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.refresh, tokenHash)
	return nil
}

func (m *memStore) RevokeAccessToken(_ context.Context, jti string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.revoked[jti] = true
	return nil
}

func (m *memStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.revoked[jti], nil
}

func (m *memStore) CreatePasswordReset(_ context.Context, memberID, token string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resets[token] = memberID
	return nil
}

func (m *memStore) GetPasswordReset(_ context.Context, token string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	memberID, ok := m.resets[token]
	if !ok {
		return "", sql.ErrNoRows
	}
	return memberID, nil
}

func (m *memStore) MarkPasswordResetUsed(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.resets, token)
	return nil
}

func (m *memStore) Ping(context.Context) error { return nil }

// Test helpers

func testConfig() config.Config {
	return config.Config{
		JWTSecret:    "test-secret",
		AccessTTL:    15 * time.Minute,
		RefreshTTL:   24 * time.Hour,
		ApprovalCode: "band2026",
	}
}

func newTestService(ms *memStore) *Service {
	return &Service{cfg: testConfig(), store: ms}
}

func seedMember(ms *memStore, id, role string, approved bool) store.Member {
	member := store.Member{ID: id, DisplayName: "Member " + id, Role: role, Approved: approved}
	ms.members[id] = member
	return member
}

func seedSession(ms *memStore, id, status string) store.Session {
	sess := store.Session{ID: id, Title: "Session " + id, Status: status}
	ms.sessions[id] = sess
	ms.current = id
	return sess
}

func viewerFor(member store.Member) Session {
	return Session{
		MemberID:   member.ID,
		MemberName: member.DisplayName,
		Role:       member.Role,
		Approved:   member.Approved,
	}
}

func wantDomainCode(t *testing.T, err error, code string) {
	t.Helper()
	var domainErr *DomainError
	if !errors.As(err, &domainErr) {
		t.Fatalf("want DomainError %s, got %v", code, err)
	}
	if domainErr.Code != code {
		t.Fatalf("want code %s, got %s (%s)", code, domainErr.Code, domainErr.Message)
	}
}

func draftSong(title string) store.SubmissionDraft {
	return store.SubmissionDraft{
		Title:   title,
		Artist:  "Artist",
		Parts:   []store.InstrumentalPart{store.PartVocal, store.PartGuitar, store.PartDrums},
		MyParts: []store.InstrumentalPart{store.PartGuitar},
	}
}

// Tests

func TestCommitSubmissionCreatesSelfEntry(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	member := seedMember(ms, "mem_alice", "member", true)
	seedSession(ms, "2026-09", store.SessionCollectingSongs)

	sub, err := svc.CommitSubmission(context.Background(), "2026-09", member.ID, draftSong("Song A"))
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if sub.ID() != "2026-09_mem_alice" {
		t.Fatalf("unexpected submission id %s", sub.ID())
	}

	entries, _ := svc.ListMemberEntries(context.Background(), "2026-09", member.ID)
	if len(entries) != 1 {
		t.Fatalf("want 1 self entry, got %d", len(entries))
	}
	if !entries[0].IsSelfProposal {
		t.Fatal("self entry not flagged")
	}
	if len(entries[0].Parts) != 1 || entries[0].Parts[0] != store.PartGuitar {
		t.Fatalf("unexpected self entry parts %v", entries[0].Parts)
	}
}

func TestCommitSubmissionIsIdempotentPerMember(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	member := seedMember(ms, "mem_alice", "member", true)
	seedSession(ms, "2026-09", store.SessionCollectingSongs)

	if _, err := svc.CommitSubmission(context.Background(), "2026-09", member.ID, draftSong("First")); err != nil {
		t.Fatalf("first commit: %v", err)
	}
	if _, err := svc.CommitSubmission(context.Background(), "2026-09", member.ID, draftSong("Second")); err != nil {
		t.Fatalf("second commit: %v", err)
	}

	subs, _ := svc.ListSubmissions(context.Background(), "2026-09")
	if len(subs) != 1 {
		t.Fatalf("want 1 submission, got %d", len(subs))
	}
	if subs[0].TitleRaw != "Second" {
		t.Fatalf("second commit should win, got %s", subs[0].TitleRaw)
	}
}

func TestCommitSubmissionPhaseGate(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	member := seedMember(ms, "mem_alice", "member", true)
	seedSession(ms, "2026-09", store.SessionSelecting)

	_, err := svc.CommitSubmission(context.Background(), "2026-09", member.ID, draftSong("Song A"))
	wantDomainCode(t, err, "FAILED_PRECONDITION")
}

func TestCommitSubmissionRejectsForeignMyPart(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	member := seedMember(ms, "mem_alice", "member", true)
	seedSession(ms, "2026-09", store.SessionCollectingSongs)

	draft := draftSong("Song A")
	draft.MyParts = []store.InstrumentalPart{store.PartKeys}
	_, err := svc.CommitSubmission(context.Background(), "2026-09", member.ID, draft)
	wantDomainCode(t, err, "INVALID_ARGUMENT")
}

func TestSaveEntryValidatesSongParts(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	alice := seedMember(ms, "mem_alice", "member", true)
	bob := seedMember(ms, "mem_bob", "member", true)
	seedSession(ms, "2026-09", store.SessionCollectingSongs)

	sub, err := svc.CommitSubmission(context.Background(), "2026-09", alice.ID, draftSong("Song A"))
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	ms.sessions["2026-09"] = store.Session{ID: "2026-09", Status: store.SessionCollectingEntries}

	err = svc.SaveEntry(context.Background(), "2026-09", sub.ID(), bob.ID, []store.InstrumentalPart{store.PartKeys})
	wantDomainCode(t, err, "INVALID_ARGUMENT")

	if err := svc.SaveEntry(context.Background(), "2026-09", sub.ID(), bob.ID, []store.InstrumentalPart{store.PartDrums}); err != nil {
		t.Fatalf("save valid entry: %v", err)
	}
}

func TestSaveEntryPhaseGate(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	alice := seedMember(ms, "mem_alice", "member", true)
	seedSession(ms, "2026-09", store.SessionCollectingSongs)
	sub, _ := svc.CommitSubmission(context.Background(), "2026-09", alice.ID, draftSong("Song A"))

	// Still collecting songs, entries not open yet.
	err := svc.SaveEntry(context.Background(), "2026-09", sub.ID(), alice.ID, []store.InstrumentalPart{store.PartVocal})
	wantDomainCode(t, err, "FAILED_PRECONDITION")

	ms.sessions["2026-09"] = store.Session{ID: "2026-09", Status: store.SessionAdjustingEntries}
	if err := svc.SaveEntry(context.Background(), "2026-09", sub.ID(), alice.ID, []store.InstrumentalPart{store.PartVocal}); err != nil {
		t.Fatalf("adjusting phase should accept entries: %v", err)
	}
}

func TestCreateProposalOnePerMember(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	member := seedMember(ms, "mem_alice", "member", true)
	seedSession(ms, "2026-09", store.SessionCollectingSongs)
	viewer := viewerFor(member)

	input := ProposalInput{Title: "Song A", Artist: "Artist", MyPart: "GT"}
	if _, err := svc.CreateProposal(context.Background(), viewer, "2026-09", input); err != nil {
		t.Fatalf("first proposal: %v", err)
	}
	_, err := svc.CreateProposal(context.Background(), viewer, "2026-09", input)
	wantDomainCode(t, err, "ALREADY_EXISTS")
}

func TestCreateProposalRequiresApproval(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	member := seedMember(ms, "mem_alice", "member", false)
	seedSession(ms, "2026-09", store.SessionCollectingSongs)

	_, err := svc.CreateProposal(context.Background(), viewerFor(member), "2026-09", ProposalInput{Title: "Song A", Artist: "Artist", MyPart: "GT"})
	wantDomainCode(t, err, "PERMISSION_DENIED")
}

func TestUpdateProposalOwnerOnly(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	alice := seedMember(ms, "mem_alice", "member", true)
	bob := seedMember(ms, "mem_bob", "member", true)
	seedSession(ms, "2026-09", store.SessionCollectingSongs)

	created, err := svc.CreateProposal(context.Background(), viewerFor(alice), "2026-09", ProposalInput{Title: "Song A", Artist: "Artist", MyPart: "GT"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	proposalID := created["id"].(string)

	_, err = svc.UpdateProposal(context.Background(), viewerFor(bob), "2026-09", proposalID, ProposalInput{Title: "Hijack", Artist: "Artist", MyPart: "BA"})
	wantDomainCode(t, err, "PERMISSION_DENIED")

	if _, err := svc.UpdateProposal(context.Background(), viewerFor(alice), "2026-09", proposalID, ProposalInput{Title: "Song A2", Artist: "Artist", MyPart: "BA"}); err != nil {
		t.Fatalf("owner update: %v", err)
	}
}

func TestUpdateSetlistRoleAndPhase(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	leader := seedMember(ms, "mem_lead", "partLeader", true)
	plain := seedMember(ms, "mem_plain", "member", true)
	seedSession(ms, "2026-09", store.SessionCollectingSongs)

	created, err := svc.CreateProposal(context.Background(), viewerFor(leader), "2026-09", ProposalInput{Title: "Song A", Artist: "Artist", MyPart: "GT"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	proposalID := created["id"].(string)

	_, err = svc.UpdateSetlist(context.Background(), viewerFor(plain), "2026-09", []string{proposalID})
	wantDomainCode(t, err, "PERMISSION_DENIED")

	_, err = svc.UpdateSetlist(context.Background(), viewerFor(leader), "2026-09", []string{proposalID})
	wantDomainCode(t, err, "FAILED_PRECONDITION")

	ms.sessions["2026-09"] = store.Session{ID: "2026-09", Status: store.SessionSelecting}
	if _, err := svc.UpdateSetlist(context.Background(), viewerFor(leader), "2026-09", []string{proposalID}); err != nil {
		t.Fatalf("setlist: %v", err)
	}
	proposal, _ := ms.GetProposal(context.Background(), "2026-09", proposalID)
	if !proposal.Selected || proposal.SetlistOrder == nil || *proposal.SetlistOrder != 1 {
		t.Fatalf("setlist not applied: %+v", proposal)
	}
}

func TestUpdateSetlistRejectsUnknownProposal(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	admin := seedMember(ms, "mem_admin", "admin", true)
	seedSession(ms, "2026-09", store.SessionSelecting)

	_, err := svc.UpdateSetlist(context.Background(), viewerFor(admin), "2026-09", []string{"prp_nope"})
	wantDomainCode(t, err, "INVALID_ARGUMENT")
}

func TestSaveMyEntriesAtomic(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	alice := seedMember(ms, "mem_alice", "member", true)
	bob := seedMember(ms, "mem_bob", "member", true)
	seedSession(ms, "2026-09", store.SessionCollectingSongs)
	sub, _ := svc.CommitSubmission(context.Background(), "2026-09", alice.ID, draftSong("Song A"))
	ms.sessions["2026-09"] = store.Session{ID: "2026-09", Status: store.SessionCollectingEntries}

	_, err := svc.SaveMyEntries(context.Background(), viewerFor(bob), "2026-09", []EntryInput{
		{SongID: sub.ID(), Parts: []string{"DR"}},
		{SongID: "missing", Parts: []string{"VO"}},
	})
	wantDomainCode(t, err, "NOT_FOUND")

	entries, _ := svc.ListMemberEntries(context.Background(), "2026-09", bob.ID)
	if len(entries) != 0 {
		t.Fatalf("failed batch must apply nothing, got %d entries", len(entries))
	}

	resp, err := svc.SaveMyEntries(context.Background(), viewerFor(bob), "2026-09", []EntryInput{
		{SongID: sub.ID(), Parts: []string{"DR", "VO"}},
	})
	if err != nil {
		t.Fatalf("valid batch: %v", err)
	}
	if len(resp["entries"].([]map[string]any)) != 1 {
		t.Fatal("want 1 entry after batch save")
	}
}

func TestApproveWithCode(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	member := seedMember(ms, "mem_alice", "member", false)
	viewer := viewerFor(member)

	_, err := svc.ApproveWithCode(context.Background(), viewer, "wrong")
	wantDomainCode(t, err, "PERMISSION_DENIED")

	_, err = svc.ApproveWithCode(context.Background(), viewer, "")
	wantDomainCode(t, err, "INVALID_ARGUMENT")

	view, err := svc.ApproveWithCode(context.Background(), viewer, "band2026")
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if view["approved"] != true {
		t.Fatal("member not approved")
	}
}

func TestSessionLifecycleStatusValidation(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	admin := seedMember(ms, "mem_admin", "admin", true)
	seedSession(ms, "2026-09", store.SessionDraft)

	_, err := svc.UpdateBandSessionStatus(context.Background(), viewerFor(admin), "2026-09", "partyTime")
	wantDomainCode(t, err, "INVALID_ARGUMENT")

	view, err := svc.UpdateBandSessionStatus(context.Background(), viewerFor(admin), "2026-09", store.SessionCollectingSongs)
	if err != nil {
		t.Fatalf("advance: %v", err)
	}
	if view["status"] != store.SessionCollectingSongs {
		t.Fatalf("status not updated: %v", view["status"])
	}
}

func TestCreateBandSessionAdminOnly(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	plain := seedMember(ms, "mem_plain", "member", true)
	admin := seedMember(ms, "mem_admin", "admin", true)

	_, err := svc.CreateBandSession(context.Background(), viewerFor(plain), SessionInput{ID: "2026-10", Title: "October"})
	wantDomainCode(t, err, "PERMISSION_DENIED")

	if _, err := svc.CreateBandSession(context.Background(), viewerFor(admin), SessionInput{ID: "2026-10", Title: "October", Date: "2026-10-17"}); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err = svc.CreateBandSession(context.Background(), viewerFor(admin), SessionInput{ID: "2026-10", Title: "Duplicate"})
	wantDomainCode(t, err, "ALREADY_EXISTS")
}

func TestRefreshRotatesToken(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	seedMember(ms, "mem_alice", "member", true)

	first, err := svc.CreateSession(context.Background(), "mem_alice")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	second, err := svc.Refresh(context.Background(), first.RefreshToken)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if second.RefreshToken == first.RefreshToken {
		t.Fatal("refresh token was not rotated")
	}

	if _, err := svc.Refresh(context.Background(), first.RefreshToken); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("old refresh token should be revoked, got %v", err)
	}
}

func TestLogoutRevokesAccessToken(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	seedMember(ms, "mem_alice", "member", true)

	session, err := svc.CreateSession(context.Background(), "mem_alice")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if _, err := svc.SessionFromToken(context.Background(), session.Token); err != nil {
		t.Fatalf("token should be valid before logout: %v", err)
	}
	if err := svc.Logout(context.Background(), session, session.RefreshToken); err != nil {
		t.Fatalf("logout: %v", err)
	}
	if _, err := svc.SessionFromToken(context.Background(), session.Token); err == nil {
		t.Fatal("token should be rejected after logout")
	}
}

func TestDeleteProposalAdminBypassesPhase(t *testing.T) {
	ms := newMemStore()
	svc := newTestService(ms)
	alice := seedMember(ms, "mem_alice", "member", true)
	admin := seedMember(ms, "mem_admin", "admin", true)
	seedSession(ms, "2026-09", store.SessionCollectingSongs)

	created, err := svc.CreateProposal(context.Background(), viewerFor(alice), "2026-09", ProposalInput{Title: "Song A", Artist: "Artist", MyPart: "GT"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	proposalID := created["id"].(string)
	ms.sessions["2026-09"] = store.Session{ID: "2026-09", Status: store.SessionPublished}

	err = svc.DeleteProposal(context.Background(), viewerFor(alice), "2026-09", proposalID)
	wantDomainCode(t, err, "FAILED_PRECONDITION")

	if err := svc.DeleteProposal(context.Background(), viewerFor(admin), "2026-09", proposalID); err != nil {
		t.Fatalf("admin delete: %v", err)
	}
}
