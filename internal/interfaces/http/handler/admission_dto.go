package handler

import (
	"sort"
	"time"

	"github.com/chatsaas/backend/internal/domain/admission"
)

// ReserveRequest consumes quota of a windowed resource
type ReserveRequest struct {
	SubjectID string `json:"subject_id" binding:"required,max=128"`
	Tier      string `json:"tier" binding:"required,tier"`
	Resource  string `json:"resource" binding:"required,windowed_resource"`
	// Amount defaults to 1; file batches reserve their file count at once
	Amount int64 `json:"amount" binding:"gte=0,lte=10000"`
}

// ReleaseRequest returns a held resource
type ReleaseRequest struct {
	SubjectID  string `json:"subject_id" binding:"required,max=128"`
	Resource   string `json:"resource" binding:"required,resource"`
	InstanceID string `json:"instance_id" binding:"max=128"`
}

// JoinRequest admits a subject into a resource instance
type JoinRequest struct {
	SubjectID  string `json:"subject_id" binding:"required,max=128"`
	Tier       string `json:"tier" binding:"required,tier"`
	InstanceID string `json:"instance_id" binding:"required,max=128"`
}

// LeaveRequest releases a membership
type LeaveRequest struct {
	SubjectID  string `json:"subject_id" binding:"required,max=128"`
	InstanceID string `json:"instance_id" binding:"required,max=128"`
}

// EvictRequest forcibly removes a membership
type EvictRequest struct {
	SubjectID  string `json:"subject_id" binding:"required,max=128"`
	InstanceID string `json:"instance_id" binding:"required,max=128"`
	Reason     string `json:"reason" binding:"max=256"`
}

// EnforceRequest trims a subject's memberships to its tier's cap
type EnforceRequest struct {
	SubjectID string `json:"subject_id" binding:"required,max=128"`
	Tier      string `json:"tier" binding:"required,tier"`
	Reason    string `json:"reason" binding:"max=256"`
}

// UsageQuery selects the tier used to render limits in a usage snapshot
type UsageQuery struct {
	Tier string `form:"tier" binding:"required,tier"`
}

// ReserveResponse is the outcome of an allowed reservation
type ReserveResponse struct {
	Allowed   bool             `json:"allowed"`
	Resource  string           `json:"resource"`
	Tier      string           `json:"tier"`
	Amount    int64            `json:"amount"`
	Usage     map[string]int64 `json:"usage,omitempty"`
	Limits    map[string]int64 `json:"limits,omitempty"`
	Remaining map[string]int64 `json:"remaining,omitempty"`
	Unbounded bool             `json:"unbounded,omitempty"`
	FailOpen  bool             `json:"fail_open,omitempty"`
	Duplicate bool             `json:"duplicate,omitempty"`
}

// QuotaExceededDetails accompanies a 429 for a windowed resource
type QuotaExceededDetails struct {
	Resource          string           `json:"resource"`
	Tier              string           `json:"tier"`
	Granularity       string           `json:"granularity"`
	Usage             map[string]int64 `json:"usage"`
	Limits            map[string]int64 `json:"limits"`
	Remaining         map[string]int64 `json:"remaining"`
	RetryAfterSeconds int64            `json:"retry_after_seconds"`
}

func byGranularity(in map[admission.Granularity]int64) map[string]int64 {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]int64, len(in))
	for g, v := range in {
		out[g.String()] = v
	}
	return out
}

func toReserveResponse(r admission.AdmissionResult) ReserveResponse {
	return ReserveResponse{
		Allowed:   r.Allowed,
		Resource:  r.Resource.String(),
		Tier:      r.Tier.String(),
		Amount:    r.Amount,
		Usage:     byGranularity(r.Usage),
		Limits:    byGranularity(r.Limits),
		Remaining: byGranularity(r.Remaining),
		Unbounded: r.Unbounded(),
		FailOpen:  r.FailOpen,
		Duplicate: r.Duplicate,
	}
}

func toQuotaExceededDetails(r admission.AdmissionResult) QuotaExceededDetails {
	return QuotaExceededDetails{
		Resource:          r.Resource.String(),
		Tier:              r.Tier.String(),
		Granularity:       r.BindingGranularity.String(),
		Usage:             byGranularity(r.Usage),
		Limits:            byGranularity(r.Limits),
		Remaining:         byGranularity(r.Remaining),
		RetryAfterSeconds: r.RetryAfterSeconds(),
	}
}

// ReleaseResponse reports whether anything was released
type ReleaseResponse struct {
	Released bool `json:"released"`
}

// JoinResponse is the outcome of a membership join
type JoinResponse struct {
	Allowed          bool     `json:"allowed"`
	AlreadyMember    bool     `json:"already_member,omitempty"`
	CurrentCount     int      `json:"current_count"`
	MaxAllowed       int      `json:"max_allowed"`
	CurrentInstances []string `json:"current_instances"`
}

func toJoinResponse(r admission.JoinResult) JoinResponse {
	instances := r.CurrentInstances
	if instances == nil {
		instances = []string{}
	}
	return JoinResponse{
		Allowed:          r.Allowed,
		AlreadyMember:    r.AlreadyMember,
		CurrentCount:     r.CurrentCount,
		MaxAllowed:       r.MaxAllowed,
		CurrentInstances: instances,
	}
}

// EvictResponse reports whether a membership was removed
type EvictResponse struct {
	Evicted bool `json:"evicted"`
}

// EnforceResponse lists the memberships evicted to fit the cap
type EnforceResponse struct {
	Evicted []string `json:"evicted"`
}

// UsageEntryResponse is the display-only usage of one resource window
type UsageEntryResponse struct {
	Resource    string    `json:"resource"`
	DisplayName string    `json:"display_name"`
	Granularity string    `json:"granularity"`
	PeriodStart time.Time `json:"period_start"`
	PeriodEnd   time.Time `json:"period_end"`
	Used        int64     `json:"used"`
	Limit       int64     `json:"limit"`
	Remaining   int64     `json:"remaining"`
}

// UsageSnapshotResponse is the display-only usage of a subject
type UsageSnapshotResponse struct {
	SubjectID      string               `json:"subject_id"`
	Tier           string               `json:"tier"`
	CatalogVersion string               `json:"catalog_version"`
	TakenAt        time.Time            `json:"taken_at"`
	Entries        []UsageEntryResponse `json:"entries"`
	Unbounded      []string             `json:"unbounded"`
	ActiveMembers  []string             `json:"active_members"`
	MaxConcurrent  int                  `json:"max_concurrent"`
}

func toUsageSnapshotResponse(s admission.UsageSnapshot) UsageSnapshotResponse {
	resp := UsageSnapshotResponse{
		SubjectID:      s.SubjectID,
		Tier:           s.Tier.String(),
		CatalogVersion: s.CatalogVersion,
		TakenAt:        s.TakenAt,
		Entries:        make([]UsageEntryResponse, 0, len(s.Entries)),
		Unbounded:      make([]string, 0, len(s.UnboundedEntries)),
		ActiveMembers:  s.ActiveMembers,
		MaxConcurrent:  s.MaxConcurrent,
	}
	if resp.ActiveMembers == nil {
		resp.ActiveMembers = []string{}
	}
	for _, e := range s.Entries {
		resp.Entries = append(resp.Entries, UsageEntryResponse{
			Resource:    e.Resource.String(),
			DisplayName: e.Resource.DisplayName(),
			Granularity: e.Granularity.String(),
			PeriodStart: e.PeriodStart,
			PeriodEnd:   e.PeriodEnd,
			Used:        e.Used,
			Limit:       e.Limit,
			Remaining:   e.Remaining,
		})
	}
	for _, r := range s.UnboundedEntries {
		resp.Unbounded = append(resp.Unbounded, r.String())
	}
	return resp
}

// TierResponse is the display summary of a tier
type TierResponse struct {
	Tier                 string                      `json:"tier"`
	DisplayName          string                      `json:"display_name"`
	Description          string                      `json:"description"`
	MaxConcurrentRooms   int                         `json:"max_concurrent_rooms"`
	MaxThreadsPerRoom    int                         `json:"max_threads_per_room"`
	MaxFileSizeBytes     int64                       `json:"max_file_size_bytes"`
	MaxTotalStorageBytes int64                       `json:"max_total_storage_bytes"`
	MaxTokensPerRequest  int                         `json:"max_tokens_per_request"`
	MaxContextTokens     int                         `json:"max_context_tokens"`
	Resources            []TierResourceLimitResponse `json:"resources"`
}

// TierResourceLimitResponse lists the windowed ceilings of one resource
type TierResourceLimitResponse struct {
	Resource    string           `json:"resource"`
	DisplayName string           `json:"display_name"`
	Limits      map[string]int64 `json:"limits"`
	Unbounded   bool             `json:"unbounded"`
}

func toTierResponse(info admission.TierInfo) TierResponse {
	def := info.Definition
	resp := TierResponse{
		Tier:                 info.Tier.String(),
		DisplayName:          info.DisplayName,
		Description:          info.Description,
		MaxConcurrentRooms:   info.MaxConcurrent,
		MaxThreadsPerRoom:    def.MaxThreadsPerRoom,
		MaxFileSizeBytes:     def.MaxFileSizeBytes,
		MaxTotalStorageBytes: def.MaxTotalStorageBytes,
		MaxTokensPerRequest:  def.MaxTokensPerRequest,
		MaxContextTokens:     def.MaxContextTokens,
		Resources:            make([]TierResourceLimitResponse, 0, len(def.ResourceLimits)),
	}
	for r, l := range def.ResourceLimits {
		limits := byGranularity(l.AsMap())
		if limits == nil {
			limits = map[string]int64{}
		}
		resp.Resources = append(resp.Resources, TierResourceLimitResponse{
			Resource:    r.String(),
			DisplayName: r.DisplayName(),
			Limits:      limits,
			Unbounded:   l.IsUnbounded(),
		})
	}
	sort.Slice(resp.Resources, func(i, j int) bool {
		return resp.Resources[i].Resource < resp.Resources[j].Resource
	})
	return resp
}
