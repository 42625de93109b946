package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"cadence/api/internal/config"
	"cadence/api/internal/schedule"
	"cadence/api/internal/store"

	"github.com/google/uuid"
)

// AdvanceAction classifies what the daily run did (or would do, on a dry run)
// to one protocol. Exactly one action applies per protocol per run.
type AdvanceAction string

const (
	ActionExpire   AdvanceAction = "expire"
	ActionAdvance  AdvanceAction = "advance"
	ActionNoChange AdvanceAction = "no_change"
)

const expirySkipReason = "Protocol expired after day 7"

type CompleteDayInput struct {
	ResponseData     json.RawMessage `json:"responseData"`
	Notes            string          `json:"notes"`
	SelfRating       *int            `json:"selfRating"`
	TimeSpentMinutes *int            `json:"timeSpentMinutes"`
}

type CompleteDayResult struct {
	CompletionID      string `json:"completionId"`
	CurrentDay        int    `json:"currentDay"`
	DaysCompleted     int    `json:"daysCompleted"`
	DaysSkipped       int    `json:"daysSkipped"`
	ProtocolCompleted bool   `json:"protocolCompleted"`
}

type SkipToDayResult struct {
	ProtocolID   string `json:"protocolId"`
	CurrentDay   int    `json:"currentDay"`
	SkipsWritten int    `json:"skipsWritten"`
}

type MuteResult struct {
	ProtocolID string `json:"protocolId"`
	Status     string `json:"status"`
	MutedBy    string `json:"mutedBy"`
}

type CreateProtocolInput struct {
	UserID            string          `json:"userId"`
	Title             string          `json:"title"`
	Days              json.RawMessage `json:"days"`
	AssignedWeekStart string          `json:"assignedWeekStart"`
}

// ProtocolAdvance is one protocol's entry in the batch summary. Error carries
// a per-protocol failure without aborting the rest of the run.
type ProtocolAdvance struct {
	ProtocolID      string        `json:"protocolId"`
	Title           string        `json:"title"`
	CurrentDay      int           `json:"currentDay"`
	ActualDay       int           `json:"actualDay"`
	Action          AdvanceAction `json:"action"`
	DaysAutoSkipped int           `json:"daysAutoSkipped"`
	Error           string        `json:"error,omitempty"`
}

// AdvanceSummary is the structured result of one daily advancement run,
// returned to the scheduler and the batch endpoint for logging and alerting.
type AdvanceSummary struct {
	RunDate         string            `json:"runDate"`
	DryRun          bool              `json:"dryRun"`
	Processed       int               `json:"processed"`
	Advanced        int               `json:"advanced"`
	Expired         int               `json:"expired"`
	Unchanged       int               `json:"unchanged"`
	Failed          int               `json:"failed"`
	DaysAutoSkipped int               `json:"daysAutoSkipped"`
	Protocols       []ProtocolAdvance `json:"protocols"`
}

type dataStore interface {
	ListActiveProtocols(ctx context.Context, afterID string, limit int) ([]store.ActiveProtocol, error)
	GetProtocol(ctx context.Context, protocolID string) (store.Protocol, error)
	InsertProtocol(ctx context.Context, item store.Protocol) error
	ListRecordedDays(ctx context.Context, protocolID string) ([]store.RecordedDay, error)
	ListDayCompletions(ctx context.Context, protocolID string) ([]store.DayCompletion, error)
	AdvanceProtocol(ctx context.Context, protocolID, userID string, skipDays []int, newCurrentDay int, autoSkipped bool, skipReason string) (int, error)
	ExpireProtocol(ctx context.Context, protocolID, userID string, skipDays []int, skipReason string) (int, error)
	RecordDayCompletion(ctx context.Context, completion store.DayCompletion, newCurrentDay int) (store.RecordedCompletion, error)
	MuteProtocol(ctx context.Context, protocolID, mutedBy, reason string) (bool, error)
	Ping(ctx context.Context) error
}

// runStore persists the last run summary for observability. Optional.
type runStore interface {
	SaveSummary(ctx context.Context, runDate string, payload []byte) error
	LastSummary(ctx context.Context) ([]byte, error)
}

type Service struct {
	cfg   config.Config
	store dataStore
	runs  runStore
}

func New(cfg config.Config, dataStore *store.PostgresStore) *Service {
	return &Service{cfg: cfg, store: dataStore}
}

func NewWithRunStore(cfg config.Config, dataStore *store.PostgresStore, runs runStore) *Service {
	return &Service{cfg: cfg, store: dataStore, runs: runs}
}

func (s *Service) ServiceToken() string {
	return s.cfg.ServiceToken
}

// RunDailyAdvancement scans every active, un-muted protocol and applies
// exactly one transition per protocol: expire past the 7-day window, advance
// to the resolved day, or no change. The run is idempotent for a given date;
// skip inserts dedupe on (protocol, day) so re-running repairs a partial
// failure without duplicating rows. With dryRun the same classification is
// computed and returned but nothing is persisted.
func (s *Service) RunDailyAdvancement(ctx context.Context, today time.Time, dryRun bool) (AdvanceSummary, error) {
	summary := AdvanceSummary{
		RunDate:   today.UTC().Format("2006-01-02"),
		DryRun:    dryRun,
		Protocols: []ProtocolAdvance{},
	}

	batchSize := s.cfg.AdvanceBatchSize
	if batchSize <= 0 {
		batchSize = 200
	}

	afterID := ""
	for {
		page, err := s.store.ListActiveProtocols(ctx, afterID, batchSize)
		if err != nil {
			return summary, fmt.Errorf("scan active protocols: %w", err)
		}
		for _, protocol := range page {
			detail := s.advanceOne(ctx, protocol, today, summary.RunDate, dryRun)
			summary.Processed++
			summary.DaysAutoSkipped += detail.DaysAutoSkipped
			switch {
			case detail.Error != "":
				summary.Failed++
			case detail.Action == ActionExpire:
				summary.Expired++
			case detail.Action == ActionAdvance:
				summary.Advanced++
			default:
				summary.Unchanged++
			}
			summary.Protocols = append(summary.Protocols, detail)
		}
		if len(page) < batchSize {
			break
		}
		afterID = page[len(page)-1].ID
	}

	if !dryRun && s.runs != nil {
		if payload, err := json.Marshal(summary); err == nil {
			// Summary persistence is best effort; the run itself already
			// committed per protocol.
			_ = s.runs.SaveSummary(ctx, summary.RunDate, payload)
		}
	}
	return summary, nil
}

func (s *Service) advanceOne(ctx context.Context, protocol store.ActiveProtocol, today time.Time, runDate string, dryRun bool) ProtocolAdvance {
	detail := ProtocolAdvance{
		ProtocolID: protocol.ID,
		Title:      protocol.Title,
		CurrentDay: protocol.CurrentDay,
		Action:     ActionNoChange,
	}

	resolution := schedule.ResolveActualDay(protocol.AssignedWeekStart, today)
	detail.ActualDay = resolution.ActualDay

	var skipThrough int
	switch {
	case resolution.ExpiryPending:
		detail.Action = ActionExpire
		skipThrough = schedule.FinalDay
	case resolution.ActualDay > protocol.CurrentDay:
		detail.Action = ActionAdvance
		// The most recent elapsed day is left without a disposition so the
		// user can still complete it late; only days strictly before it are
		// auto-skipped.
		skipThrough = resolution.ActualDay - 2
	default:
		return detail
	}

	missing, err := s.missingDays(ctx, protocol.ID, protocol.CurrentDay, skipThrough)
	if err != nil {
		detail.Error = err.Error()
		return detail
	}
	detail.DaysAutoSkipped = len(missing)

	if dryRun {
		return detail
	}

	switch detail.Action {
	case ActionExpire:
		inserted, err := s.store.ExpireProtocol(ctx, protocol.ID, protocol.UserID, missing, expirySkipReason)
		if err != nil {
			detail.Error = err.Error()
			detail.DaysAutoSkipped = inserted
			return detail
		}
		detail.DaysAutoSkipped = inserted
	case ActionAdvance:
		reason := fmt.Sprintf("Auto-skipped during daily advancement on %s", runDate)
		inserted, err := s.store.AdvanceProtocol(ctx, protocol.ID, protocol.UserID, missing, resolution.ActualDay, true, reason)
		if err != nil {
			detail.Error = err.Error()
			detail.DaysAutoSkipped = inserted
			return detail
		}
		detail.DaysAutoSkipped = inserted
	}
	return detail
}

// missingDays returns the days in [from, through] with no disposition yet.
func (s *Service) missingDays(ctx context.Context, protocolID string, from, through int) ([]int, error) {
	recorded, err := s.store.ListRecordedDays(ctx, protocolID)
	if err != nil {
		return nil, fmt.Errorf("list recorded days: %w", err)
	}
	seen := make(map[int]bool, len(recorded))
	for _, day := range recorded {
		seen[day.DayNumber] = true
	}
	missing := make([]int, 0, through-from+1)
	for day := from; day <= through; day++ {
		if !seen[day] {
			missing = append(missing, day)
		}
	}
	return missing, nil
}

func (s *Service) getActiveProtocol(ctx context.Context, protocolID string) (store.Protocol, error) {
	protocol, err := s.store.GetProtocol(ctx, protocolID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Protocol{}, domainError(http.StatusNotFound, "NOT_FOUND", "Protocol not found", nil)
	}
	if err != nil {
		return store.Protocol{}, fmt.Errorf("load protocol: %w", err)
	}
	if protocol.Status != store.StatusActive {
		return store.Protocol{}, domainError(http.StatusConflict, "INVALID_STATE", fmt.Sprintf("Protocol is %s, not active", protocol.Status), nil)
	}
	return protocol, nil
}

// CompleteDay records a genuine user completion for one day. A prior
// auto-skip for the same day is overwritten; catching up on a skipped day is
// allowed and intentional.
func (s *Service) CompleteDay(ctx context.Context, protocolID string, dayNumber int, input CompleteDayInput) (CompleteDayResult, error) {
	if dayNumber < schedule.FirstDay || dayNumber > schedule.FinalDay {
		return CompleteDayResult{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "dayNumber must be between 1 and 7", nil)
	}

	protocol, err := s.getActiveProtocol(ctx, protocolID)
	if err != nil {
		return CompleteDayResult{}, err
	}

	newCurrentDay := dayNumber + 1
	if newCurrentDay > schedule.FinalDay {
		newCurrentDay = schedule.FinalDay
	}

	recorded, err := s.store.RecordDayCompletion(ctx, store.DayCompletion{
		ProtocolID:       protocolID,
		UserID:           protocol.UserID,
		DayNumber:        dayNumber,
		ResponseData:     input.ResponseData,
		Notes:            input.Notes,
		SelfRating:       input.SelfRating,
		TimeSpentMinutes: input.TimeSpentMinutes,
	}, newCurrentDay)
	if errors.Is(err, store.ErrNotActive) {
		return CompleteDayResult{}, domainError(http.StatusConflict, "INVALID_STATE", "Protocol is no longer active", nil)
	}
	if err != nil {
		return CompleteDayResult{}, err
	}

	return CompleteDayResult{
		CompletionID:      recorded.ID,
		CurrentDay:        newCurrentDay,
		DaysCompleted:     recorded.DaysCompleted,
		DaysSkipped:       recorded.DaysSkipped,
		ProtocolCompleted: recorded.ProtocolCompleted,
	}, nil
}

// SkipToDay lets a user jump ahead without waiting for the daily batch. The
// intervening days get user-skip rows under the same dedup rule as the batch;
// repeating the call with the same target is a no-op and current_day never
// regresses.
func (s *Service) SkipToDay(ctx context.Context, protocolID string, targetDay int) (SkipToDayResult, error) {
	if targetDay < schedule.FirstDay || targetDay > schedule.FinalDay {
		return SkipToDayResult{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "targetDay must be between 1 and 7", nil)
	}

	protocol, err := s.getActiveProtocol(ctx, protocolID)
	if err != nil {
		return SkipToDayResult{}, err
	}

	if targetDay <= protocol.CurrentDay {
		return SkipToDayResult{ProtocolID: protocolID, CurrentDay: protocol.CurrentDay}, nil
	}

	missing, err := s.missingDays(ctx, protocolID, protocol.CurrentDay, targetDay-1)
	if err != nil {
		return SkipToDayResult{}, err
	}

	reason := fmt.Sprintf("Skipped ahead by user to day %d", targetDay)
	inserted, err := s.store.AdvanceProtocol(ctx, protocolID, protocol.UserID, missing, targetDay, false, reason)
	if errors.Is(err, store.ErrNotActive) {
		return SkipToDayResult{}, domainError(http.StatusConflict, "INVALID_STATE", "Protocol is no longer active", nil)
	}
	if err != nil {
		return SkipToDayResult{}, err
	}

	return SkipToDayResult{ProtocolID: protocolID, CurrentDay: targetDay, SkipsWritten: inserted}, nil
}

// Mute takes a protocol out of daily advancement on behalf of a coach. The
// caller is trusted to have verified the coach's identity; there is no
// un-mute operation here.
func (s *Service) Mute(ctx context.Context, protocolID, mutedBy, reason string) (MuteResult, error) {
	if mutedBy == "" {
		return MuteResult{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "mutedBy is required", nil)
	}

	protocol, err := s.store.GetProtocol(ctx, protocolID)
	if errors.Is(err, sql.ErrNoRows) {
		return MuteResult{}, domainError(http.StatusNotFound, "NOT_FOUND", "Protocol not found", nil)
	}
	if err != nil {
		return MuteResult{}, fmt.Errorf("load protocol: %w", err)
	}
	if protocol.Status != store.StatusActive && protocol.Status != store.StatusPaused {
		return MuteResult{}, domainError(http.StatusConflict, "INVALID_STATE", fmt.Sprintf("Protocol is %s and cannot be muted", protocol.Status), nil)
	}

	muted, err := s.store.MuteProtocol(ctx, protocolID, mutedBy, reason)
	if err != nil {
		return MuteResult{}, err
	}
	if !muted {
		return MuteResult{}, domainError(http.StatusConflict, "INVALID_STATE", "Protocol is no longer mutable", nil)
	}

	return MuteResult{ProtocolID: protocolID, Status: store.StatusMuted, MutedBy: mutedBy}, nil
}

// CreateProtocol registers a new 7-day protocol instance on behalf of the
// insight-generation process. New protocols always start at day 1, active.
func (s *Service) CreateProtocol(ctx context.Context, input CreateProtocolInput) (map[string]any, error) {
	if input.UserID == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "userId is required", nil)
	}
	weekStart, err := time.Parse("2006-01-02", input.AssignedWeekStart)
	if err != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "assignedWeekStart must be a YYYY-MM-DD date", nil)
	}

	protocolID := uuid.NewString()
	if err := s.store.InsertProtocol(ctx, store.Protocol{
		ID:                protocolID,
		UserID:            input.UserID,
		Title:             input.Title,
		Days:              input.Days,
		AssignedWeekStart: weekStart,
	}); err != nil {
		return nil, err
	}

	return s.ProtocolDetail(ctx, protocolID)
}

// ProtocolDetail returns a protocol with its day completions as a
// JSON-serializable payload.
func (s *Service) ProtocolDetail(ctx context.Context, protocolID string) (map[string]any, error) {
	protocol, err := s.store.GetProtocol(ctx, protocolID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Protocol not found", nil)
	}
	if err != nil {
		return nil, fmt.Errorf("load protocol: %w", err)
	}

	completions, err := s.store.ListDayCompletions(ctx, protocolID)
	if err != nil {
		return nil, err
	}

	completionPayloads := make([]map[string]any, 0, len(completions))
	for _, completion := range completions {
		completionPayloads = append(completionPayloads, map[string]any{
			"id":               completion.ID,
			"dayNumber":        completion.DayNumber,
			"completedAt":      completion.CompletedAt,
			"wasSkipped":       completion.WasSkipped,
			"autoSkipped":      completion.AutoSkipped,
			"skipReason":       completion.SkipReason,
			"responseData":     completion.ResponseData,
			"notes":            completion.Notes,
			"selfRating":       completion.SelfRating,
			"timeSpentMinutes": completion.TimeSpentMinutes,
		})
	}

	return map[string]any{
		"id":                protocol.ID,
		"userId":            protocol.UserID,
		"title":             protocol.Title,
		"days":              protocol.Days,
		"currentDay":        protocol.CurrentDay,
		"status":            protocol.Status,
		"assignedWeekStart": protocol.AssignedWeekStart.Format("2006-01-02"),
		"daysCompleted":     protocol.DaysCompleted,
		"daysSkipped":       protocol.DaysSkipped,
		"mutedByCoach":      protocol.MutedByCoach,
		"completedAt":       protocol.CompletedAt,
		"completions":       completionPayloads,
	}, nil
}

// LastRunSummary returns the most recent persisted batch summary, or nil when
// none is recorded or no summary store is configured.
func (s *Service) LastRunSummary(ctx context.Context) ([]byte, error) {
	if s.runs == nil {
		return nil, nil
	}
	return s.runs.LastSummary(ctx)
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}
