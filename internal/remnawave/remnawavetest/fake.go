// Package remnawavetest provides an in-memory panel for tests.
package remnawavetest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"vpnbilling/internal/remnawave"
)

// Panel is an in-memory stand-in for the Remnawave API. Set Err to make every
// call fail.
type Panel struct {
	mu      sync.Mutex
	users   map[string]*remnawave.User
	squads  []remnawave.Squad
	Err     error
	Creates int
	Patches []remnawave.UserPatch
	Calls   int
}

func New() *Panel {
	return &Panel{users: make(map[string]*remnawave.User)}
}

var ErrDown = errors.New("panel unavailable")

func (p *Panel) SetErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Err = err
}

func (p *Panel) SetSquads(squads ...remnawave.Squad) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.squads = squads
}

func (p *Panel) User(username string) *remnawave.User {
	p.mu.Lock()
	defer p.mu.Unlock()
	u, ok := p.users[username]
	if !ok {
		return nil
	}
	cp := *u
	return &cp
}

// Put seeds or overwrites a remote user, e.g. to simulate manual panel edits.
func (p *Panel) Put(u remnawave.User) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.users[u.Username] = &u
}

func (p *Panel) Stats() (calls, creates, patches int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Calls, p.Creates, len(p.Patches)
}

func (p *Panel) LastPatch() (remnawave.UserPatch, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Patches) == 0 {
		return remnawave.UserPatch{}, false
	}
	return p.Patches[len(p.Patches)-1], true
}

func (p *Panel) GetUser(_ context.Context, username string) (*remnawave.User, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls++
	if p.Err != nil {
		return nil, p.Err
	}
	u, ok := p.users[username]
	if !ok {
		return nil, remnawave.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (p *Panel) CreateUser(_ context.Context, spec remnawave.UserSpec) (*remnawave.User, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls++
	if p.Err != nil {
		return nil, p.Err
	}
	p.Creates++
	u := &remnawave.User{
		UUID:              fmt.Sprintf("uuid-%s", spec.Username),
		ShortUUID:         fmt.Sprintf("short-%s", spec.Username),
		Username:          spec.Username,
		Status:            spec.Status,
		TrafficLimitBytes: spec.TrafficLimitBytes,
		DeviceLimit:       spec.DeviceLimit,
		ExpireAt:          spec.ExpireAt,
		Squads:            append([]string(nil), spec.Squads...),
		SubscriptionURL:   fmt.Sprintf("https://panel.example/sub/short-%s", spec.Username),
	}
	p.users[spec.Username] = u
	cp := *u
	return &cp, nil
}

func (p *Panel) UpdateUser(_ context.Context, patch remnawave.UserPatch) (*remnawave.User, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls++
	if p.Err != nil {
		return nil, p.Err
	}
	var u *remnawave.User
	for _, candidate := range p.users {
		if candidate.UUID == patch.UUID {
			u = candidate
		}
	}
	if u == nil {
		return nil, &remnawave.APIError{StatusCode: 404, Body: "no such uuid"}
	}
	p.Patches = append(p.Patches, patch)
	if patch.Status != nil {
		u.Status = *patch.Status
	}
	if patch.TrafficLimitBytes != nil {
		u.TrafficLimitBytes = *patch.TrafficLimitBytes
	}
	if patch.DeviceLimit != nil {
		u.DeviceLimit = *patch.DeviceLimit
	}
	if patch.ExpireAt != nil {
		u.ExpireAt = *patch.ExpireAt
	}
	if patch.Squads != nil {
		u.Squads = append([]string(nil), patch.Squads...)
	}
	cp := *u
	return &cp, nil
}

func (p *Panel) ListSquads(_ context.Context) ([]remnawave.Squad, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Calls++
	if p.Err != nil {
		return nil, p.Err
	}
	return append([]remnawave.Squad(nil), p.squads...), nil
}
