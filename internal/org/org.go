// Package org is the tenancy hierarchy behind every gateway request.
//
// Organization -> Workspace -> AgentGroup -> Agent, with the org owning
// one billing group in the ledger. Policies and budgets attach to any
// level; a request is admitted only when every link in its chain is
// active. Disabling a level therefore cuts off everything underneath it
// without touching child rows.
package org

import (
	"errors"
	"regexp"
	"strings"
	"time"
)

// Errors
var (
	ErrUserNotFound       = errors.New("org: user not found")
	ErrOrgNotFound        = errors.New("org: organization not found")
	ErrWorkspaceNotFound  = errors.New("org: workspace not found")
	ErrAgentGroupNotFound = errors.New("org: agent group not found")
	ErrAgentNotFound      = errors.New("org: agent not found")
	ErrSlugTaken          = errors.New("org: slug already taken")
	ErrEmailTaken         = errors.New("org: email already registered")
)

// AgentStatus is an agent's lifecycle state. Unlike the levels above it,
// an agent records why it is off: operator choice or a tripped budget.
type AgentStatus string

const (
	AgentActive          AgentStatus = "ACTIVE"
	AgentDisabled        AgentStatus = "DISABLED"
	AgentBudgetExhausted AgentStatus = "BUDGET_EXHAUSTED"
)

// Valid reports whether s is a known agent status.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentActive, AgentDisabled, AgentBudgetExhausted:
		return true
	}
	return false
}

// User is an account that owns organizations.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name,omitempty"`
	IsActive  bool      `json:"isActive"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Organization is the tenancy root. BillingGroupID points at the ledger
// group all usage under this org draws from.
type Organization struct {
	ID             string    `json:"id"`
	Name           string    `json:"name"`
	Slug           string    `json:"slug"`
	Description    string    `json:"description,omitempty"`
	OwnerID        string    `json:"ownerId"`
	BillingGroupID string    `json:"billingGroupId"`
	CreditsPerUSD  int64     `json:"creditsPerUsd"`
	IsActive       bool      `json:"isActive"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// Workspace partitions an organization, e.g. per team or environment.
type Workspace struct {
	ID          string    `json:"id"`
	OrgID       string    `json:"orgId"`
	Name        string    `json:"name"`
	Slug        string    `json:"slug"`
	Description string    `json:"description,omitempty"`
	IsActive    bool      `json:"isActive"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// AgentGroup is a fleet of agents sharing policies and budgets.
type AgentGroup struct {
	ID          string    `json:"id"`
	WorkspaceID string    `json:"workspaceId"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	IsActive    bool      `json:"isActive"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Agent is a single workload identity holding API keys.
type Agent struct {
	ID           string      `json:"id"`
	AgentGroupID string      `json:"agentGroupId"`
	Name         string      `json:"name"`
	Description  string      `json:"description,omitempty"`
	Status       AgentStatus `json:"status"`
	CreatedAt    time.Time   `json:"createdAt"`
	UpdatedAt    time.Time   `json:"updatedAt"`
}

// Path is an agent's fully resolved chain, with the active flags the
// gateway checks top-down.
type Path struct {
	AgentID          string
	AgentStatus      AgentStatus
	AgentGroupID     string
	AgentGroupActive bool
	WorkspaceID      string
	WorkspaceActive  bool
	OrgID            string
	OrgActive        bool
	OwnerUserID      string
	BillingGroupID   string
	CreditsPerUSD    int64
}

var slugStrip = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lowercases a name and collapses every non-alphanumeric run to a
// single hyphen. Empty results fall back to "org".
func Slugify(name string) string {
	slug := slugStrip.ReplaceAllString(strings.ToLower(name), "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > 128 {
		slug = strings.Trim(slug[:128], "-")
	}
	if slug == "" {
		return "org"
	}
	return slug
}
