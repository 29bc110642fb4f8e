package app

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"bandbeat/api/internal/auth"
	"bandbeat/api/internal/authpw"
	"bandbeat/api/internal/config"
	"bandbeat/api/internal/email"
	"bandbeat/api/internal/export"
	"bandbeat/api/internal/rbac"
	"bandbeat/api/internal/search"
	"bandbeat/api/internal/store"
	"bandbeat/api/internal/util"
)

// Session is an authenticated dashboard session.
type Session struct {
	Token        string
	RefreshToken string
	MemberID     string
	MemberName   string
	Role         string
	Approved     bool
	JTI          string
	ExpiresAt    time.Time
}

type SessionInput struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Date  string `json:"date"`
}

type ProposalInput struct {
	Title           string `json:"title"`
	Artist          string `json:"artist"`
	Instrumentation string `json:"instrumentation"`
	MyPart          string `json:"myPart"`
	SourceURL       string `json:"sourceUrl"`
	ScoreURL        string `json:"scoreUrl"`
	Notes           string `json:"notes"`
}

type EntryInput struct {
	SongID string   `json:"songId"`
	Parts  []string `json:"parts"`
}

type dataStore interface {
	EnsureMemberByLineID(ctx context.Context, lineUserID string) (store.Member, error)
	GetMemberByID(ctx context.Context, memberID string) (store.Member, error)
	ListMembers(ctx context.Context) ([]store.Member, error)
	UpdateMemberProfile(ctx context.Context, memberID, displayName, photoURL string) error
	ApproveMember(ctx context.Context, memberID string) error
	DeleteMemberCascade(ctx context.Context, memberID, lineUserID string) error

	GetSession(ctx context.Context, sessionID string) (store.Session, error)
	GetCurrentSession(ctx context.Context) (store.Session, error)
	SetCurrentSession(ctx context.Context, sessionID string) error
	InsertSession(ctx context.Context, sess store.Session) error
	ListSessions(ctx context.Context) ([]store.Session, error)
	UpdateSessionStatus(ctx context.Context, sessionID, status string) error
	UpdateSessionExportObject(ctx context.Context, sessionID, object string) error

	GetSubmission(ctx context.Context, sessionID, userID string) (store.Submission, error)
	ListSubmissions(ctx context.Context, sessionID string) ([]store.Submission, error)
	UpsertSubmission(ctx context.Context, sub store.Submission) error
	DeleteSubmissionCascade(ctx context.Context, sessionID, userID string) error

	GetProposal(ctx context.Context, sessionID, proposalID string) (store.Proposal, error)
	ListProposals(ctx context.Context, sessionID string) ([]store.Proposal, error)
	CreateProposalWithSelfEntry(ctx context.Context, proposal store.Proposal, entry store.Entry) error
	UpdateProposalWithSelfEntry(ctx context.Context, proposal store.Proposal, entry store.Entry) error
	DeleteProposalCascade(ctx context.Context, sessionID, proposalID string) error
	UpdateSetlist(ctx context.Context, sessionID string, orderedIDs []string) error

	ListEntries(ctx context.Context, sessionID string) ([]store.Entry, error)
	ListEntriesByMember(ctx context.Context, sessionID, memberUID string) ([]store.Entry, error)
	UpsertEntry(ctx context.Context, entry store.Entry) error
	DeleteEntry(ctx context.Context, sessionID, songID, memberUID string) error
	ReplaceMemberEntries(ctx context.Context, sessionID, memberUID string, entries []store.Entry) error

	SaveRefreshSession(ctx context.Context, tokenHash, memberID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.Member, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)

	Ping(ctx context.Context) error
}

// Service holds every session-gated mutation rule. The chat bot and the HTTP
// API both go through it, so the rules cannot drift apart.
type Service struct {
	cfg      config.Config
	store    dataStore
	authpw   *authpw.Service
	email    *email.Service
	search   *search.Service
	exporter *export.Service
}

func New(cfg config.Config, dataStore *store.PostgresStore, authSvc *authpw.Service, emailSvc *email.Service, searchSvc *search.Service, exporter *export.Service) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		authpw:   authSvc,
		email:    emailSvc,
		search:   searchSvc,
		exporter: exporter,
	}
}

func (s *Service) AuthPasswordService() *authpw.Service {
	return s.authpw
}

func (s *Service) EmailService() *email.Service {
	return s.email
}

func (s *Service) SMTPConfigured() bool {
	return s.email != nil && s.email.IsConfigured()
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Auth sessions

func (s *Service) CreateSession(ctx context.Context, memberID string) (Session, error) {
	member, err := s.store.GetMemberByID(ctx, memberID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, member)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	member, err := s.store.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.store.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, member)
}

func (s *Service) issueSession(ctx context.Context, member store.Member) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  member.ID,
		Name: member.DisplayName,
		Role: member.Role,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.store.SaveRefreshSession(ctx, auth.HashToken(refresh), member.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		MemberID:     member.ID,
		MemberName:   member.DisplayName,
		Role:         member.Role,
		Approved:     member.Approved,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	member, err := s.store.GetMemberByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:      token,
		MemberID:   member.ID,
		MemberName: member.DisplayName,
		Role:       member.Role,
		Approved:   member.Approved,
		JTI:        claims.JTI,
		ExpiresAt:  time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.store.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

// ApproveWithCode marks the member as a confirmed band member once they
// present the shared approval code.
func (s *Service) ApproveWithCode(ctx context.Context, viewer Session, code string) (map[string]any, error) {
	if strings.TrimSpace(code) == "" {
		return nil, errInvalidArgument("approval code is required", nil)
	}
	if s.cfg.ApprovalCode == "" {
		return nil, errFailedPrecondition("approval is not configured", nil)
	}
	if code != s.cfg.ApprovalCode {
		return nil, errPermissionDenied("approval code does not match")
	}
	if err := s.store.ApproveMember(ctx, viewer.MemberID); err != nil {
		return nil, err
	}
	member, err := s.store.GetMemberByID(ctx, viewer.MemberID)
	if err != nil {
		return nil, err
	}
	return memberView(member), nil
}

// DeleteAccount erases the member and everything keyed to them.
func (s *Service) DeleteAccount(ctx context.Context, viewer Session) error {
	member, err := s.store.GetMemberByID(ctx, viewer.MemberID)
	if err != nil {
		return err
	}
	return s.store.DeleteMemberCascade(ctx, member.ID, member.LineUserID)
}

func (s *Service) ListMembers(ctx context.Context, viewer Session) ([]map[string]any, error) {
	if !s.Can(viewer.Role, rbac.ActionManageSessions) {
		return nil, errPermissionDenied("admin role required")
	}
	members, err := s.store.ListMembers(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(members))
	for _, member := range members {
		items = append(items, memberView(member))
	}
	return items, nil
}

// Guards

func (s *Service) requireApproved(viewer Session) error {
	if !viewer.Approved {
		return errPermissionDenied("membership approval required")
	}
	return nil
}

// sessionInPhase loads the session and verifies it is in one of the allowed
// lifecycle phases.
func (s *Service) sessionInPhase(ctx context.Context, sessionID string, phases ...string) (store.Session, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Session{}, errNotFound("session not found")
	}
	if err != nil {
		return store.Session{}, err
	}
	for _, phase := range phases {
		if sess.Status == phase {
			return sess, nil
		}
	}
	return store.Session{}, errFailedPrecondition("session is not in the required phase", map[string]any{
		"status":   sess.Status,
		"required": phases,
	})
}

func validateParts(values []string) ([]store.InstrumentalPart, *DomainError) {
	parts := make([]store.InstrumentalPart, 0, len(values))
	for _, value := range values {
		if !store.ValidInstrumentalPart(value) {
			return nil, errInvalidArgument("invalid instrumental part", map[string]any{"part": value})
		}
		parts = append(parts, store.InstrumentalPart(value))
	}
	return parts, nil
}

// Bot rules surface (bot.Rules)

func (s *Service) CurrentSession(ctx context.Context) (store.Session, error) {
	return s.store.GetCurrentSession(ctx)
}

// CommitSubmission writes the finished dialogue draft as the member's
// submission, plus their self-entry on the parts they claimed. Keyed by
// (session, member), so a duplicated confirm lands on the same record.
func (s *Service) CommitSubmission(ctx context.Context, sessionID, userID string, draft store.SubmissionDraft) (store.Submission, error) {
	if strings.TrimSpace(draft.Title) == "" || strings.TrimSpace(draft.Artist) == "" {
		return store.Submission{}, errInvalidArgument("title and artist are required", nil)
	}
	if len(draft.Parts) == 0 {
		return store.Submission{}, errInvalidArgument("at least one part is required", nil)
	}
	for _, part := range draft.Parts {
		if !store.ValidInstrumentalPart(string(part)) {
			return store.Submission{}, errInvalidArgument("invalid instrumental part", map[string]any{"part": part})
		}
	}
	for _, part := range draft.MyParts {
		if !containsPart(draft.Parts, part) {
			return store.Submission{}, errInvalidArgument("own parts must be among the song's parts", map[string]any{"part": part})
		}
	}

	if _, err := s.sessionInPhase(ctx, sessionID, store.SessionCollectingSongs); err != nil {
		return store.Submission{}, err
	}

	sub := store.Submission{
		SessionID:     sessionID,
		UserID:        userID,
		TitleRaw:      strings.TrimSpace(draft.Title),
		ArtistRaw:     strings.TrimSpace(draft.Artist),
		AudioURL:      draft.AudioURL,
		ScoreURL:      draft.ScoreURL,
		ReferenceURL1: draft.ReferenceURL1,
		ReferenceURL2: draft.ReferenceURL2,
		ReferenceURL3: draft.ReferenceURL3,
		ReferenceURL4: draft.ReferenceURL4,
		ReferenceURL5: draft.ReferenceURL5,
		Description:   draft.Description,
		Parts:         draft.Parts,
		MyParts:       draft.MyParts,
	}
	if err := s.store.UpsertSubmission(ctx, sub); err != nil {
		return store.Submission{}, err
	}

	if len(draft.MyParts) > 0 {
		if err := s.store.UpsertEntry(ctx, store.Entry{
			SessionID:      sessionID,
			SongID:         sub.ID(),
			MemberUID:      userID,
			Parts:          draft.MyParts,
			IsSelfProposal: true,
		}); err != nil {
			return store.Submission{}, err
		}
	}

	saved, err := s.store.GetSubmission(ctx, sessionID, userID)
	if err != nil {
		return store.Submission{}, err
	}
	s.indexSubmission(saved)
	return saved, nil
}

func (s *Service) DeleteSubmission(ctx context.Context, sessionID, userID string) error {
	sub, err := s.store.GetSubmission(ctx, sessionID, userID)
	if err != nil {
		return err
	}
	if err := s.store.DeleteSubmissionCascade(ctx, sessionID, userID); err != nil {
		return err
	}
	if s.search != nil {
		s.search.DeleteSong(sub.ID())
	}
	return nil
}

func (s *Service) GetSubmission(ctx context.Context, sessionID, userID string) (store.Submission, error) {
	return s.store.GetSubmission(ctx, sessionID, userID)
}

func (s *Service) ListSubmissions(ctx context.Context, sessionID string) ([]store.Submission, error) {
	return s.store.ListSubmissions(ctx, sessionID)
}

// SaveEntry records a member's part claim on a song. The claimed parts must
// be among the parts the song asks for.
func (s *Service) SaveEntry(ctx context.Context, sessionID, songID, memberUID string, parts []store.InstrumentalPart) error {
	if len(parts) == 0 {
		return errInvalidArgument("at least one part is required", nil)
	}
	for _, part := range parts {
		if !store.ValidInstrumentalPart(string(part)) {
			return errInvalidArgument("invalid instrumental part", map[string]any{"part": part})
		}
	}

	if _, err := s.sessionInPhase(ctx, sessionID, store.SessionCollectingEntries, store.SessionAdjustingEntries); err != nil {
		return err
	}

	song, err := s.findSong(ctx, sessionID, songID)
	if err != nil {
		return err
	}
	if len(song.parts) > 0 {
		for _, part := range parts {
			if !containsPart(song.parts, part) {
				return errInvalidArgument("part is not offered by this song", map[string]any{"part": part})
			}
		}
	}

	return s.store.UpsertEntry(ctx, store.Entry{
		SessionID: sessionID,
		SongID:    songID,
		MemberUID: memberUID,
		Parts:     parts,
	})
}

func (s *Service) RemoveEntry(ctx context.Context, sessionID, songID, memberUID string) error {
	return s.store.DeleteEntry(ctx, sessionID, songID, memberUID)
}

func (s *Service) ListMemberEntries(ctx context.Context, sessionID, memberUID string) ([]store.Entry, error) {
	return s.store.ListEntriesByMember(ctx, sessionID, memberUID)
}

// song is the common view over submissions and proposals used when an entry
// references either by id.
type song struct {
	id    string
	parts []store.InstrumentalPart
}

func (s *Service) findSong(ctx context.Context, sessionID, songID string) (song, error) {
	subs, err := s.store.ListSubmissions(ctx, sessionID)
	if err != nil {
		return song{}, err
	}
	for _, sub := range subs {
		if sub.ID() == songID {
			return song{id: songID, parts: sub.Parts}, nil
		}
	}
	if _, err := s.store.GetProposal(ctx, sessionID, songID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return song{}, errNotFound("song not found")
		}
		return song{}, err
	}
	// Proposals do not declare needed parts, so any valid part may be claimed.
	return song{id: songID}, nil
}

// Band session lifecycle (admin)

func (s *Service) GetSessions(ctx context.Context, viewer Session) ([]map[string]any, error) {
	if err := s.requireApproved(viewer); err != nil {
		return nil, err
	}
	sessions, err := s.store.ListSessions(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(sessions))
	for _, sess := range sessions {
		items = append(items, sessionView(sess))
	}
	return items, nil
}

func (s *Service) GetCurrentSessionView(ctx context.Context, viewer Session) (map[string]any, error) {
	if err := s.requireApproved(viewer); err != nil {
		return nil, err
	}
	sess, err := s.store.GetCurrentSession(ctx)
	if errors.Is(err, sql.ErrNoRows) {
		return map[string]any{"session": nil}, nil
	}
	if err != nil {
		return nil, err
	}
	return map[string]any{"session": sessionView(sess)}, nil
}

func (s *Service) CreateBandSession(ctx context.Context, viewer Session, input SessionInput) (map[string]any, error) {
	if !s.Can(viewer.Role, rbac.ActionManageSessions) {
		return nil, errPermissionDenied("admin role required")
	}
	id := strings.TrimSpace(input.ID)
	if id == "" {
		return nil, errInvalidArgument("session id is required", nil)
	}
	if strings.TrimSpace(input.Title) == "" {
		return nil, errInvalidArgument("session title is required", nil)
	}
	if _, err := s.store.GetSession(ctx, id); err == nil {
		return nil, errAlreadyExists("session id already in use")
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	sess := store.Session{
		ID:     id,
		Title:  strings.TrimSpace(input.Title),
		Date:   strings.TrimSpace(input.Date),
		Status: store.SessionDraft,
	}
	if err := s.store.InsertSession(ctx, sess); err != nil {
		return nil, err
	}
	return sessionView(sess), nil
}

func (s *Service) SetCurrentBandSession(ctx context.Context, viewer Session, sessionID string) (map[string]any, error) {
	if !s.Can(viewer.Role, rbac.ActionManageSessions) {
		return nil, errPermissionDenied("admin role required")
	}
	sess, err := s.store.GetSession(ctx, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNotFound("session not found")
	}
	if err != nil {
		return nil, err
	}
	if err := s.store.SetCurrentSession(ctx, sess.ID); err != nil {
		return nil, err
	}
	return sessionView(sess), nil
}

func (s *Service) UpdateBandSessionStatus(ctx context.Context, viewer Session, sessionID, status string) (map[string]any, error) {
	if !s.Can(viewer.Role, rbac.ActionManageSessions) {
		return nil, errPermissionDenied("admin role required")
	}
	if !store.ValidSessionStatus(status) {
		return nil, errInvalidArgument("invalid session status", map[string]any{
			"status":  status,
			"allowed": store.SessionStatuses,
		})
	}
	sess, err := s.store.GetSession(ctx, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNotFound("session not found")
	}
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateSessionStatus(ctx, sess.ID, status); err != nil {
		return nil, err
	}
	sess.Status = status
	return sessionView(sess), nil
}

// Proposals (dashboard)

func (s *Service) GetProposals(ctx context.Context, viewer Session, sessionID string) (map[string]any, error) {
	if err := s.requireApproved(viewer); err != nil {
		return nil, err
	}
	proposals, err := s.store.ListProposals(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(proposals))
	for _, proposal := range proposals {
		items = append(items, proposalView(proposal))
	}
	return map[string]any{"proposals": items}, nil
}

// CreateProposal inserts a proposal together with the proposer's self-entry
// in one transaction. A member gets one proposal per session.
func (s *Service) CreateProposal(ctx context.Context, viewer Session, sessionID string, input ProposalInput) (map[string]any, error) {
	if err := s.requireApproved(viewer); err != nil {
		return nil, err
	}
	if err := validateProposalInput(input); err != nil {
		return nil, err
	}
	if _, err := s.sessionInPhase(ctx, sessionID, store.SessionCollectingSongs); err != nil {
		return nil, err
	}

	proposal := store.Proposal{
		ID:              util.NewID("prp"),
		SessionID:       sessionID,
		ProposerUID:     viewer.MemberID,
		Title:           strings.TrimSpace(input.Title),
		Artist:          strings.TrimSpace(input.Artist),
		Instrumentation: input.Instrumentation,
		MyPart:          store.InstrumentalPart(input.MyPart),
		SourceURL:       input.SourceURL,
		ScoreURL:        input.ScoreURL,
		Notes:           input.Notes,
	}
	entry := store.Entry{
		SessionID:      sessionID,
		SongID:         proposal.ID,
		MemberUID:      viewer.MemberID,
		Parts:          []store.InstrumentalPart{proposal.MyPart},
		IsSelfProposal: true,
	}
	err := s.store.CreateProposalWithSelfEntry(ctx, proposal, entry)
	if errors.Is(err, store.ErrAlreadyExists) {
		return nil, errAlreadyExists("you already proposed a song for this session")
	}
	if err != nil {
		return nil, err
	}
	s.indexProposal(proposal)
	return proposalView(proposal), nil
}

func (s *Service) UpdateProposal(ctx context.Context, viewer Session, sessionID, proposalID string, input ProposalInput) (map[string]any, error) {
	if err := s.requireApproved(viewer); err != nil {
		return nil, err
	}
	if err := validateProposalInput(input); err != nil {
		return nil, err
	}

	existing, err := s.store.GetProposal(ctx, sessionID, proposalID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNotFound("proposal not found")
	}
	if err != nil {
		return nil, err
	}
	if existing.ProposerUID != viewer.MemberID && !s.Can(viewer.Role, rbac.ActionManageSessions) {
		return nil, errPermissionDenied("only the proposer can edit this proposal")
	}
	if _, err := s.sessionInPhase(ctx, sessionID, store.SessionCollectingSongs); err != nil {
		return nil, err
	}

	existing.Title = strings.TrimSpace(input.Title)
	existing.Artist = strings.TrimSpace(input.Artist)
	existing.Instrumentation = input.Instrumentation
	existing.MyPart = store.InstrumentalPart(input.MyPart)
	existing.SourceURL = input.SourceURL
	existing.ScoreURL = input.ScoreURL
	existing.Notes = input.Notes

	entry := store.Entry{
		SessionID:      sessionID,
		SongID:         existing.ID,
		MemberUID:      existing.ProposerUID,
		Parts:          []store.InstrumentalPart{existing.MyPart},
		IsSelfProposal: true,
	}
	if err := s.store.UpdateProposalWithSelfEntry(ctx, existing, entry); err != nil {
		return nil, err
	}
	s.indexProposal(existing)
	return proposalView(existing), nil
}

// DeleteProposal removes the proposal and every entry on it, including other
// members' entries.
func (s *Service) DeleteProposal(ctx context.Context, viewer Session, sessionID, proposalID string) error {
	if err := s.requireApproved(viewer); err != nil {
		return err
	}
	existing, err := s.store.GetProposal(ctx, sessionID, proposalID)
	if errors.Is(err, sql.ErrNoRows) {
		return errNotFound("proposal not found")
	}
	if err != nil {
		return err
	}
	isAdmin := s.Can(viewer.Role, rbac.ActionManageSessions)
	if existing.ProposerUID != viewer.MemberID && !isAdmin {
		return errPermissionDenied("only the proposer can delete this proposal")
	}
	if !isAdmin {
		if _, err := s.sessionInPhase(ctx, sessionID, store.SessionCollectingSongs); err != nil {
			return err
		}
	}
	if err := s.store.DeleteProposalCascade(ctx, sessionID, proposalID); err != nil {
		return err
	}
	if s.search != nil {
		s.search.DeleteSong(proposalID)
	}
	return nil
}

// UpdateSetlist rewrites the selected order in one shot. Every id must name
// an existing proposal in the session.
func (s *Service) UpdateSetlist(ctx context.Context, viewer Session, sessionID string, proposalIDs []string) (map[string]any, error) {
	if !s.Can(viewer.Role, rbac.ActionManageSetlist) {
		return nil, errPermissionDenied("setlist management role required")
	}
	if _, err := s.sessionInPhase(ctx, sessionID, store.SessionSelecting); err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(proposalIDs))
	for _, id := range proposalIDs {
		if seen[id] {
			return nil, errInvalidArgument("duplicate proposal in setlist", map[string]any{"proposalId": id})
		}
		seen[id] = true
		if _, err := s.store.GetProposal(ctx, sessionID, id); errors.Is(err, sql.ErrNoRows) {
			return nil, errInvalidArgument("unknown proposal in setlist", map[string]any{"proposalId": id})
		} else if err != nil {
			return nil, err
		}
	}
	if err := s.store.UpdateSetlist(ctx, sessionID, proposalIDs); err != nil {
		return nil, err
	}
	return s.GetProposals(ctx, viewer, sessionID)
}

// Entries (dashboard)

func (s *Service) GetEntries(ctx context.Context, viewer Session, sessionID string) (map[string]any, error) {
	if err := s.requireApproved(viewer); err != nil {
		return nil, err
	}
	entries, err := s.store.ListEntries(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		items = append(items, entryView(entry))
	}
	return map[string]any{"entries": items}, nil
}

func (s *Service) GetMyEntries(ctx context.Context, viewer Session, sessionID string) (map[string]any, error) {
	if err := s.requireApproved(viewer); err != nil {
		return nil, err
	}
	entries, err := s.store.ListEntriesByMember(ctx, sessionID, viewer.MemberID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(entries))
	for _, entry := range entries {
		items = append(items, entryView(entry))
	}
	return map[string]any{"entries": items}, nil
}

// SaveMyEntries replaces the member's whole entry set for the session in one
// atomic batch; a validation failure applies nothing.
func (s *Service) SaveMyEntries(ctx context.Context, viewer Session, sessionID string, inputs []EntryInput) (map[string]any, error) {
	if err := s.requireApproved(viewer); err != nil {
		return nil, err
	}
	if _, err := s.sessionInPhase(ctx, sessionID, store.SessionCollectingEntries, store.SessionAdjustingEntries); err != nil {
		return nil, err
	}

	entries := make([]store.Entry, 0, len(inputs))
	seen := make(map[string]bool, len(inputs))
	for _, input := range inputs {
		if input.SongID == "" {
			return nil, errInvalidArgument("songId is required", nil)
		}
		if seen[input.SongID] {
			return nil, errInvalidArgument("duplicate song in entries", map[string]any{"songId": input.SongID})
		}
		seen[input.SongID] = true

		parts, derr := validateParts(input.Parts)
		if derr != nil {
			return nil, derr
		}
		if len(parts) == 0 {
			return nil, errInvalidArgument("at least one part is required per entry", map[string]any{"songId": input.SongID})
		}
		target, err := s.findSong(ctx, sessionID, input.SongID)
		if err != nil {
			return nil, err
		}
		if len(target.parts) > 0 {
			for _, part := range parts {
				if !containsPart(target.parts, part) {
					return nil, errInvalidArgument("part is not offered by this song", map[string]any{
						"songId": input.SongID,
						"part":   part,
					})
				}
			}
		}
		entries = append(entries, store.Entry{
			SessionID: sessionID,
			SongID:    input.SongID,
			MemberUID: viewer.MemberID,
			Parts:     parts,
		})
	}

	if err := s.store.ReplaceMemberEntries(ctx, sessionID, viewer.MemberID, entries); err != nil {
		return nil, err
	}
	return s.GetMyEntries(ctx, viewer, sessionID)
}

// Submissions (dashboard read)

func (s *Service) GetSubmissions(ctx context.Context, viewer Session, sessionID string) (map[string]any, error) {
	if err := s.requireApproved(viewer); err != nil {
		return nil, err
	}
	subs, err := s.store.ListSubmissions(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(subs))
	for _, sub := range subs {
		items = append(items, submissionView(sub))
	}
	return map[string]any{"submissions": items}, nil
}

// Search

func (s *Service) SearchSongs(ctx context.Context, viewer Session, text, sessionID, kind string, limit, offset int) (search.Response, error) {
	if err := s.requireApproved(viewer); err != nil {
		return search.Response{}, err
	}
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}
	return s.search.Search(search.Query{
		Text:            text,
		FilterSessionID: sessionID,
		FilterKind:      search.SongKind(kind),
		Limit:           limit,
		Offset:          offset,
	}), nil
}

func (s *Service) indexSubmission(sub store.Submission) {
	if s.search == nil {
		return
	}
	s.search.IndexSong(search.SongRecord{
		ID:        sub.ID(),
		Kind:      string(search.KindSubmission),
		SessionID: sub.SessionID,
		Title:     sub.TitleRaw,
		Artist:    sub.ArtistRaw,
		Notes:     sub.Description,
	})
}

func (s *Service) indexProposal(proposal store.Proposal) {
	if s.search == nil {
		return
	}
	s.search.IndexSong(search.SongRecord{
		ID:        proposal.ID,
		Kind:      string(search.KindProposal),
		SessionID: proposal.SessionID,
		Title:     proposal.Title,
		Artist:    proposal.Artist,
		Notes:     proposal.Notes,
	})
}

// Export

// ExportSessionCSV renders the session to CSV, uploads it to object storage,
// and records the object name on the session.
func (s *Service) ExportSessionCSV(ctx context.Context, viewer Session, sessionID string) (map[string]any, error) {
	if !s.Can(viewer.Role, rbac.ActionManageSetlist) {
		return nil, errPermissionDenied("setlist management role required")
	}
	if s.exporter == nil {
		return nil, errFailedPrecondition("object storage is not configured", nil)
	}
	sess, err := s.store.GetSession(ctx, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errNotFound("session not found")
	}
	if err != nil {
		return nil, err
	}
	subs, err := s.store.ListSubmissions(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	entries, err := s.store.ListEntries(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	members, err := s.store.ListMembers(ctx)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(members))
	for _, member := range members {
		names[member.ID] = member.DisplayName
	}

	object, err := s.exporter.UploadSessionCSV(ctx, sess, subs, entries, names)
	if err != nil {
		return nil, err
	}
	if err := s.store.UpdateSessionExportObject(ctx, sessionID, object); err != nil {
		return nil, err
	}
	return map[string]any{"object": object}, nil
}

// Views

func memberView(member store.Member) map[string]any {
	return map[string]any{
		"id":          member.ID,
		"displayName": member.DisplayName,
		"photoUrl":    member.PhotoURL,
		"email":       member.Email,
		"approved":    member.Approved,
		"role":        member.Role,
		"linkedLine":  member.LineUserID != "",
	}
}

func sessionView(sess store.Session) map[string]any {
	return map[string]any{
		"id":           sess.ID,
		"title":        sess.Title,
		"date":         sess.Date,
		"status":       sess.Status,
		"exportObject": sess.ExportObject,
	}
}

func proposalView(proposal store.Proposal) map[string]any {
	return map[string]any{
		"id":              proposal.ID,
		"sessionId":       proposal.SessionID,
		"proposerUid":     proposal.ProposerUID,
		"title":           proposal.Title,
		"artist":          proposal.Artist,
		"instrumentation": proposal.Instrumentation,
		"myPart":          proposal.MyPart,
		"sourceUrl":       proposal.SourceURL,
		"scoreUrl":        proposal.ScoreURL,
		"notes":           proposal.Notes,
		"setlistOrder":    proposal.SetlistOrder,
		"selected":        proposal.Selected,
	}
}

func entryView(entry store.Entry) map[string]any {
	return map[string]any{
		"sessionId":      entry.SessionID,
		"songId":         entry.SongID,
		"memberUid":      entry.MemberUID,
		"parts":          entry.Parts,
		"isSelfProposal": entry.IsSelfProposal,
	}
}

func submissionView(sub store.Submission) map[string]any {
	return map[string]any{
		"id":            sub.ID(),
		"sessionId":     sub.SessionID,
		"userId":        sub.UserID,
		"title":         sub.TitleRaw,
		"artist":        sub.ArtistRaw,
		"audioUrl":      sub.AudioURL,
		"scoreUrl":      sub.ScoreURL,
		"referenceUrls": sub.ReferenceURLs(),
		"description":   sub.Description,
		"parts":         sub.Parts,
		"myParts":       sub.MyParts,
	}
}

func validateProposalInput(input ProposalInput) *DomainError {
	if strings.TrimSpace(input.Title) == "" {
		return errInvalidArgument("title is required", nil)
	}
	if strings.TrimSpace(input.Artist) == "" {
		return errInvalidArgument("artist is required", nil)
	}
	if !store.ValidInstrumentalPart(input.MyPart) {
		return errInvalidArgument("invalid instrumental part", map[string]any{"part": input.MyPart})
	}
	return nil
}

func containsPart(parts []store.InstrumentalPart, part store.InstrumentalPart) bool {
	for _, p := range parts {
		if p == part {
			return true
		}
	}
	return false
}
