package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/latchflow/latchflow/common/crypto"
	"github.com/latchflow/latchflow/internal/latchflow/db"
)

// userCodeAlphabet avoids lookalike characters so the code survives being
// read over a shoulder or a voice call.
const userCodeAlphabet = "BCDFGHJKLMNPQRSTVWXZ23456789"

// DeviceStart is handed to the CLI that initiated the flow. DeviceCode is
// the poll credential and never shown to a human; UserCode is what the
// admin types into the approval endpoint.
type DeviceStart struct {
	DeviceCode      string `json:"device_code"`
	UserCode        string `json:"user_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
}

// StartDeviceAuth opens a device-code login for the given email. Only code
// digests are persisted.
func (s *Service) StartDeviceAuth(ctx context.Context, emailAddr, deviceName, ip string) (*DeviceStart, error) {
	emailAddr = strings.ToLower(strings.TrimSpace(emailAddr))
	if emailAddr == "" || !strings.Contains(emailAddr, "@") {
		return nil, fmt.Errorf("auth: start device login: %w", ErrInvalidCredentials)
	}
	if !s.allow(ip, emailAddr) {
		s.record("device_code", "rate_limited")
		return nil, ErrRateLimited
	}

	deviceCode, err := crypto.NewToken()
	if err != nil {
		return nil, err
	}
	userCode, err := newUserCode()
	if err != nil {
		return nil, err
	}

	d := &db.DeviceAuth{
		UserEmail:       emailAddr,
		DeviceCodeHash:  crypto.HashToken(deviceCode),
		UserCodeHash:    crypto.HashToken(normalizeUserCode(userCode)),
		Status:          db.DeviceAuthPending,
		IntervalSeconds: int(s.opts.DeviceCodeInterval / time.Second),
		ExpiresAt:       time.Now().Add(s.opts.DeviceCodeTTL),
	}
	if deviceName = strings.TrimSpace(deviceName); deviceName != "" {
		d.DeviceName = sql.NullString{String: deviceName, Valid: true}
	}
	if err := s.store.CreateDeviceAuth(ctx, d); err != nil {
		return nil, err
	}

	s.log.Info("device login started", "device_auth_id", d.ID, "email", emailAddr)
	return &DeviceStart{
		DeviceCode:      deviceCode,
		UserCode:        userCode,
		VerificationURI: strings.TrimRight(s.opts.BaseURL, "/") + "/auth/cli/device/approve",
		ExpiresIn:       int(s.opts.DeviceCodeTTL / time.Second),
		Interval:        d.IntervalSeconds,
	}, nil
}

// ApproveDeviceAuth lets an admin approve a pending login by its user code.
// A fresh API token is minted for the requesting email and parked in the
// process-local cache until the device collects it.
func (s *Service) ApproveDeviceAuth(ctx context.Context, userCode string, approver *db.User, ip string) error {
	if !s.allow(ip, "device-approve:"+approver.ID) {
		s.record("device_code", "rate_limited")
		return ErrRateLimited
	}

	d, err := s.store.GetDeviceAuthByUserCodeHash(ctx, crypto.HashToken(normalizeUserCode(userCode)))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			s.record("device_code", "failure")
			return ErrInvalidCode
		}
		return err
	}
	if d.Status != db.DeviceAuthPending {
		return ErrInvalidCode
	}
	if time.Now().After(d.ExpiresAt) {
		return ErrExpired
	}

	// The token belongs to whoever asked for the device login, not the
	// approver.
	owner, err := s.store.EnsureUser(ctx, d.UserEmail)
	if err != nil {
		return err
	}
	name := "device login"
	if d.DeviceName.Valid {
		name = d.DeviceName.String
	}
	raw, token, err := s.IssueToken(ctx, owner.ID, name, s.opts.DefaultScopes, s.opts.TokenTTL)
	if err != nil {
		return err
	}
	if err := s.store.ApproveDeviceAuth(ctx, d.ID, approver.ID, token.ID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			// Lost the race with a concurrent approve or revoke. The
			// token just minted must not dangle.
			if rerr := s.store.RevokeAPIToken(ctx, token.ID); rerr != nil {
				s.log.Warn("revoke of orphaned device token failed", "token_id", token.ID, "error", rerr)
			}
			return ErrInvalidCode
		}
		return err
	}

	s.mu.Lock()
	if s.issued == nil {
		s.issued = make(map[string]string)
	}
	s.issued[d.DeviceCodeHash] = raw
	s.mu.Unlock()

	s.record("device_code", "approved")
	s.log.Info("device login approved", "device_auth_id", d.ID, "approved_by", approver.ID, "token_id", token.ID)
	return nil
}

// PollDeviceAuth is called by the CLI until the login resolves. It returns
// the raw API token exactly once; afterwards the login reads as consumed.
func (s *Service) PollDeviceAuth(ctx context.Context, deviceCode string) (string, error) {
	d, err := s.store.GetDeviceAuthByDeviceCodeHash(ctx, crypto.HashToken(deviceCode))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return "", ErrInvalidCode
		}
		return "", err
	}

	now := time.Now()
	if d.LastPollAt.Valid && now.Before(d.LastPollAt.Time.Add(time.Duration(d.IntervalSeconds)*time.Second)) {
		// An impatient client still advances the window so it cannot
		// tighten the loop by hammering.
		if err := s.store.MarkDevicePoll(ctx, d.ID, now); err != nil {
			return "", err
		}
		return "", ErrSlowDown
	}
	if err := s.store.MarkDevicePoll(ctx, d.ID, now); err != nil {
		return "", err
	}

	switch d.Status {
	case db.DeviceAuthRevoked:
		return "", ErrRevoked
	case db.DeviceAuthConsumed:
		return "", ErrUnavailable
	case db.DeviceAuthPending:
		if now.After(d.ExpiresAt) {
			return "", ErrExpired
		}
		return "", ErrPending
	case db.DeviceAuthApproved:
	default:
		return "", fmt.Errorf("auth: device auth %s in unknown state %q", d.ID, d.Status)
	}

	if err := s.store.ConsumeDeviceAuth(ctx, d.ID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			// A concurrent poll consumed it first.
			return "", ErrUnavailable
		}
		return "", err
	}

	s.mu.Lock()
	raw, ok := s.issued[d.DeviceCodeHash]
	delete(s.issued, d.DeviceCodeHash)
	s.mu.Unlock()
	if !ok {
		// Approved before a restart: the raw token died with the old
		// process and cannot be recovered from its hash.
		return "", ErrUnavailable
	}

	s.record("device_code", "success")
	s.log.Info("device login completed", "device_auth_id", d.ID)
	return raw, nil
}

// RevokeDeviceAuth rejects a pending login identified by its user code.
func (s *Service) RevokeDeviceAuth(ctx context.Context, userCode string) error {
	d, err := s.store.GetDeviceAuthByUserCodeHash(ctx, crypto.HashToken(normalizeUserCode(userCode)))
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return ErrInvalidCode
		}
		return err
	}
	if err := s.store.RevokeDeviceAuth(ctx, d.ID); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return ErrInvalidCode
		}
		return err
	}
	s.log.Info("device login revoked", "device_auth_id", d.ID)
	return nil
}

// newUserCode returns an 8-character code in XXXX-XXXX form drawn from the
// unambiguous alphabet.
func newUserCode() (string, error) {
	buf := make([]byte, 8)
	max := big.NewInt(int64(len(userCodeAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("auth: generate user code: %w", err)
		}
		buf[i] = userCodeAlphabet[n.Int64()]
	}
	return string(buf[:4]) + "-" + string(buf[4:]), nil
}

// normalizeUserCode canonicalizes user input before hashing so
// "bcdf-ghjk", "BCDFGHJK" and "bcdf ghjk" all name the same login.
func normalizeUserCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	code = strings.ReplaceAll(code, "-", "")
	return strings.ReplaceAll(code, " ", "")
}
