// File: internal/token/persist.go
package token

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"go.uber.org/zap"
)

// PersistResult reports the outcome of writing a token to a shell profile.
type PersistResult struct {
	Success    bool
	BackupPath string
	EnvVar     string
	Verified   bool
	Err        error
}

// Persister writes a token export line into a shell profile file, creating a
// timestamped backup first and restoring it if the write fails.
type Persister struct {
	profilePath string
	envVar      string
	logger      *zap.Logger

	// Injection points for failure simulation in tests.
	writeFile func(name string, data []byte, perm os.FileMode) error
	now       func() time.Time
}

// NewPersister creates a Persister targeting the given profile path (may
// contain ~) and environment variable name.
func NewPersister(profilePath, envVar string, logger *zap.Logger) *Persister {
	return &Persister{
		profilePath: profilePath,
		envVar:      envVar,
		logger:      logger.Named("persister"),
		writeFile:   os.WriteFile,
		now:         time.Now,
	}
}

// Save validates the token, backs up the profile, inserts or replaces the
// export line, verifies the write, and tightens permissions to 0600.
func (p *Persister) Save(tok string) PersistResult {
	if v := Validate(tok); !v.Valid {
		return PersistResult{Err: fmt.Errorf("invalid token format: %s", strings.Join(v.Errors, "; "))}
	}

	path, err := p.resolvePath()
	if err != nil {
		return PersistResult{Err: err}
	}

	timestamp := p.now().Format("20060102_150405")
	backupPath, content, err := p.backup(path, timestamp)
	if err != nil {
		return PersistResult{Err: err}
	}

	updated := upsertExportLine(content, p.envVar, tok, timestamp)

	if err := p.writeFile(path, []byte(updated), 0o600); err != nil {
		p.restore(path, backupPath)
		return PersistResult{BackupPath: backupPath, Err: fmt.Errorf("failed to write %s: %w", path, err)}
	}

	verified := p.verify(path, tok)
	if err := os.Chmod(path, 0o600); err != nil {
		p.logger.Warn("Failed to set profile permissions.", zap.String("path", path), zap.Error(err))
	}

	p.logger.Info("Token persisted.",
		zap.String("path", path),
		zap.String("env_var", p.envVar),
		zap.String("token", Redact(tok)),
		zap.Bool("verified", verified))

	return PersistResult{Success: true, BackupPath: backupPath, EnvVar: p.envVar, Verified: verified}
}

// resolvePath expands ~ and follows symlinks so the backup and write land on
// the real file.
func (p *Persister) resolvePath() (string, error) {
	path, err := homedir.Expand(p.profilePath)
	if err != nil {
		return "", fmt.Errorf("cannot expand profile path %q: %w", p.profilePath, err)
	}

	if fi, err := os.Lstat(path); err == nil && fi.Mode()&os.ModeSymlink != 0 {
		real, err := filepath.EvalSymlinks(path)
		if err != nil {
			return "", fmt.Errorf("cannot resolve symlink %s: %w", path, err)
		}
		p.logger.Info("Following symlink.", zap.String("from", path), zap.String("to", real))
		path = real
	}
	return path, nil
}

// backup copies the current profile aside and returns its content. A missing
// profile is created empty and yields no backup.
func (p *Persister) backup(path, timestamp string) (backupPath, content string, err error) {
	data, readErr := os.ReadFile(path)
	if readErr != nil {
		if !os.IsNotExist(readErr) {
			return "", "", fmt.Errorf("failed to read %s: %w", path, readErr)
		}
		if err := p.writeFile(path, nil, 0o600); err != nil {
			return "", "", fmt.Errorf("failed to create %s: %w", path, err)
		}
		p.logger.Info("Created new profile file.", zap.String("path", path))
		return "", "", nil
	}

	backupPath = fmt.Sprintf("%s.backup.%s", path, timestamp)
	if err := p.writeFile(backupPath, data, 0o600); err != nil {
		return "", "", fmt.Errorf("failed to create backup %s: %w", backupPath, err)
	}
	p.logger.Info("Created backup.", zap.String("path", backupPath))
	return backupPath, string(data), nil
}

func (p *Persister) restore(path, backupPath string) {
	if backupPath == "" {
		return
	}
	data, err := os.ReadFile(backupPath)
	if err != nil {
		p.logger.Error("Failed to read backup for restore.", zap.String("path", backupPath), zap.Error(err))
		return
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		p.logger.Error("Failed to restore from backup.", zap.String("path", backupPath), zap.Error(err))
		return
	}
	p.logger.Warn("Restored profile from backup after write failure.", zap.String("path", backupPath))
}

func (p *Persister) verify(path, tok string) bool {
	data, err := os.ReadFile(path)
	if err != nil {
		p.logger.Warn("Failed to verify token write.", zap.Error(err))
		return false
	}
	if !strings.Contains(string(data), tok) {
		p.logger.Error("Token not found in profile after write.")
		return false
	}
	return true
}

// upsertExportLine replaces an existing export line for envVar or appends a
// new one with a dated comment. Running it twice never duplicates the line.
func upsertExportLine(content, envVar, tok, timestamp string) string {
	exportLine := fmt.Sprintf("export %s=%q", envVar, tok)
	pattern := regexp.MustCompile(`(?m)^export ` + regexp.QuoteMeta(envVar) + `=.*$`)

	if pattern.MatchString(content) {
		return pattern.ReplaceAllString(content, exportLine)
	}

	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	comment := fmt.Sprintf("\n# 1Password Service Account Token - Created %s\n", timestamp)
	return content + comment + exportLine + "\n"
}
