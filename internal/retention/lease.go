package retention

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"threadline/pkg/state/logger"
	"threadline/pkg/timeutil"
)

var ErrNotOwner = errors.New("lease held by another owner")

// fileLease is a TTL lock file shared by every process using the same data
// root, so only one of them purges at a time.
type fileLease struct {
	path  string
	clock timeutil.Clock
}

type leaseFile struct {
	Owner   string `json:"owner"`
	Expires string `json:"expires"`
}

func newFileLease(dir string, clock timeutil.Clock) *fileLease {
	return &fileLease{path: filepath.Join(dir, "retention.lock"), clock: clock}
}

// Acquire takes the lease for ttl when it is free or expired.
func (l *fileLease) Acquire(owner string, ttl time.Duration) (bool, error) {
	now := l.clock.Now()
	tmp, err := l.writeTmp(leaseFile{Owner: owner, Expires: now.Add(ttl).Format(time.RFC3339Nano)})
	if err != nil {
		return false, err
	}
	// link fails if the lock exists, making creation atomic
	if err := os.Link(tmp, l.path); err == nil {
		_ = os.Remove(tmp)
		logger.Debug("lease_acquired", "path", l.path, "owner", owner)
		return true, nil
	}
	existing, err := l.read()
	if err != nil {
		_ = os.Remove(tmp)
		return false, err
	}
	exp, _ := time.Parse(time.RFC3339Nano, existing.Expires)
	if exp.After(now) {
		_ = os.Remove(tmp)
		logger.Info("lease_currently_held", "path", l.path, "owner", existing.Owner)
		return false, nil
	}
	if err := os.Rename(tmp, l.path); err != nil {
		logger.Error("lease_replace_failed", "path", l.path, "error", err)
		return false, err
	}
	logger.Info("lease_acquired_expired", "path", l.path, "owner", owner, "previous", existing.Owner)
	return true, nil
}

// Renew extends a lease owner still holds.
func (l *fileLease) Renew(owner string, ttl time.Duration) error {
	existing, err := l.read()
	if err != nil {
		return err
	}
	if existing.Owner != owner {
		return ErrNotOwner
	}
	existing.Expires = l.clock.Now().Add(ttl).Format(time.RFC3339Nano)
	tmp, err := l.writeTmp(existing)
	if err != nil {
		return err
	}
	return os.Rename(tmp, l.path)
}

func (l *fileLease) Release(owner string) error {
	existing, err := l.read()
	if err != nil {
		return err
	}
	if existing.Owner != owner {
		return ErrNotOwner
	}
	return os.Remove(l.path)
}

func (l *fileLease) read() (leaseFile, error) {
	var lf leaseFile
	b, err := os.ReadFile(l.path)
	if err != nil {
		return lf, err
	}
	return lf, json.Unmarshal(b, &lf)
}

func (l *fileLease) writeTmp(lf leaseFile) (string, error) {
	b, _ := json.Marshal(lf)
	tmp := l.path + "." + lf.Owner + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		logger.Error("lease_tmp_write_failed", "path", tmp, "error", err)
		return "", err
	}
	return tmp, nil
}
