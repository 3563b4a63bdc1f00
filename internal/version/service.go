package version

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"savepoint/internal/errors"
	"savepoint/internal/logger"
)

// manifestVersionPattern matches the first "version": "..." pair, keeping
// the surrounding whitespace in the captured groups.
var manifestVersionPattern = regexp.MustCompile(`("version"\s*:\s*")([^"\\]*)(")`)

// loadOutcome classifies a read of the durable record.
type loadOutcome int

const (
	recordFound loadOutcome = iota
	recordAbsent
	recordCorrupt
)

// onDisk mirrors Record with optional fields so legacy and partial files can
// be told apart from valid ones.
type onDisk struct {
	Major    *int  `yaml:"major"`
	Minor    *int  `yaml:"minor"`
	Patch    *int  `yaml:"patch"`
	IsAlpha  *bool `yaml:"is_alpha"`
	IsBeta   *bool `yaml:"is_beta"`
	External *bool `yaml:"external_manifest"`

	// Version is the legacy single-integer layout.
	Version *int `yaml:"version"`
}

// Service reads and advances the version record for one project
type Service struct {
	versionFile  string
	manifestFile string
	logger       *slog.Logger
}

// NewService creates a service over the given record path. manifestFile may
// be empty when the project has no external manifest.
func NewService(versionFile, manifestFile string, l *slog.Logger) *Service {
	return &Service{
		versionFile:  versionFile,
		manifestFile: manifestFile,
		logger:       logger.OrDiscard(l).With("component", "version"),
	}
}

// VersionFile returns the path of the durable record.
func (s *Service) VersionFile() string {
	return s.versionFile
}

// ManifestFile returns the path of the external manifest, or "" if it does not exist.
func (s *Service) ManifestFile() string {
	if s.manifestFile == "" {
		return ""
	}
	if info, err := os.Stat(s.manifestFile); err != nil || info.IsDir() {
		return ""
	}
	return s.manifestFile
}

// ReadState returns the current record. A missing or corrupt record starts
// from zero; an existing manifest seeds it when the record is missing or
// manifest-linked, keeping whichever version is higher.
func (s *Service) ReadState() (Record, error) {
	rec, outcome, err := s.load()
	if err != nil {
		return Record{}, err
	}
	if outcome == recordCorrupt {
		s.logger.Warn("version record is unreadable, starting from zero", "path", s.versionFile)
		rec = Record{}
	}

	if s.ManifestFile() == "" || (outcome == recordFound && !rec.IsExternalManifestProject) {
		return rec, nil
	}

	if outcome != recordFound {
		rec.IsExternalManifestProject = true
	}

	fromManifest, ok := s.readManifestVersion()
	if !ok {
		return rec, nil
	}
	if fromManifest.Compare(rec) > 0 {
		s.logger.Debug("adopting manifest version", "manifest", fromManifest.String(), "record", rec.String())
		rec.Major, rec.Minor, rec.Patch = fromManifest.Major, fromManifest.Minor, fromManifest.Patch
		rec.IsAlpha, rec.IsBeta = fromManifest.IsAlpha, fromManifest.IsBeta
	}
	return rec, nil
}

// IncrementVersion advances the record by kind, persists it, mirrors it into
// the manifest and returns the rendered version.
func (s *Service) IncrementVersion(kind Kind, manual string) (string, error) {
	rec, err := s.ReadState()
	if err != nil {
		return "", err
	}

	next, err := rec.Apply(kind, manual)
	if err != nil {
		return "", err
	}

	if err := s.Write(next); err != nil {
		return "", err
	}

	s.logger.Info("version advanced", "kind", kind.String(), "from", rec.String(), "to", next.String())
	return next.String(), nil
}

// SetChannel switches the prerelease channel. alpha and beta (any case) set
// the matching flag; anything else selects stable. Numbers are preserved.
func (s *Service) SetChannel(channel string) (Record, error) {
	rec, err := s.ReadState()
	if err != nil {
		return Record{}, err
	}

	switch strings.ToLower(strings.TrimSpace(channel)) {
	case ChannelAlpha:
		rec.IsAlpha, rec.IsBeta = true, false
	case ChannelBeta:
		rec.IsAlpha, rec.IsBeta = false, true
	default:
		rec.IsAlpha, rec.IsBeta = false, false
	}

	if err := s.Write(rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Write persists rec and mirrors it into the manifest. Only the record
// write can fail; manifest problems are logged.
func (s *Service) Write(rec Record) error {
	if !rec.valid() {
		return errors.Errorf("refusing to write invalid version record %+v", rec)
	}

	data, err := yaml.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "encode version record")
	}
	if err := writeFileAtomic(s.versionFile, data, 0644); err != nil {
		return errors.Wrap(err, "write version record")
	}

	s.mirrorManifest(rec)
	return nil
}

// load reads the durable record, migrating the legacy layout.
func (s *Service) load() (Record, loadOutcome, error) {
	data, err := os.ReadFile(s.versionFile)
	if err != nil {
		if os.IsNotExist(err) {
			return Record{}, recordAbsent, nil
		}
		return Record{}, recordAbsent, errors.Wrap(err, "read version record")
	}

	rec, err := decodeRecord(data)
	if err != nil {
		s.logger.Debug("version record rejected", "error", err)
		return Record{}, recordCorrupt, nil
	}
	return rec, recordFound, nil
}

// decodeRecord returns ErrCorruptMetadata for anything that is not a usable record.
func decodeRecord(data []byte) (Record, error) {
	var raw onDisk
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Record{}, errors.Wrap(errors.ErrCorruptMetadata, err.Error())
	}

	hasNumbers := raw.Major != nil || raw.Minor != nil || raw.Patch != nil
	if !hasNumbers && raw.Version == nil {
		return Record{}, errors.Wrap(errors.ErrCorruptMetadata, "no version fields")
	}

	var rec Record
	if hasNumbers {
		rec.Major = deref(raw.Major)
		rec.Minor = deref(raw.Minor)
		rec.Patch = deref(raw.Patch)
	} else {
		rec.Patch = *raw.Version
	}
	if raw.IsAlpha != nil {
		rec.IsAlpha = *raw.IsAlpha
	}
	if raw.IsBeta != nil {
		rec.IsBeta = *raw.IsBeta
	}
	if raw.External != nil {
		rec.IsExternalManifestProject = *raw.External
	}

	if !rec.valid() {
		return Record{}, errors.Wrap(errors.ErrCorruptMetadata, "fields out of range")
	}
	return rec, nil
}

func deref(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}

// readManifestVersion parses the manifest's version field; any failure means "no version".
func (s *Service) readManifestVersion() (Record, bool) {
	data, err := os.ReadFile(s.manifestFile)
	if err != nil {
		s.logger.Warn("cannot read manifest", "path", s.manifestFile, "error", err)
		return Record{}, false
	}

	var manifest struct {
		Version string `json:"version"`
	}
	if err := json.Unmarshal(data, &manifest); err != nil {
		s.logger.Warn("cannot parse manifest", "path", s.manifestFile, "error", err)
		return Record{}, false
	}
	if manifest.Version == "" {
		return Record{}, false
	}

	rec, err := ParseVersion(manifest.Version)
	if err != nil {
		s.logger.Warn("manifest version not understood", "version", manifest.Version, "error", err)
		return Record{}, false
	}
	return rec, true
}

// Durable returns the persisted record without consulting the manifest. ok
// is false when the record is missing or unreadable.
func (s *Service) Durable() (rec Record, ok bool, err error) {
	rec, outcome, err := s.load()
	if err != nil {
		return Record{}, false, err
	}
	return rec, outcome == recordFound, nil
}

// SyncManifest writes the durable record's version into the manifest
// without adopting the manifest's own value. It reports whether the manifest
// changed. A missing or unreadable record leaves the manifest alone.
func (s *Service) SyncManifest() (bool, error) {
	rec, ok, err := s.Durable()
	if err != nil || !ok {
		return false, err
	}
	return s.mirrorManifest(rec), nil
}

// mirrorManifest rewrites the first version field of the manifest in place
// and reports whether it did. Everything else in the file is left
// byte-for-byte.
func (s *Service) mirrorManifest(rec Record) bool {
	path := s.ManifestFile()
	if path == "" {
		return false
	}

	info, err := os.Stat(path)
	if err != nil {
		s.logger.Warn("cannot stat manifest", "path", path, "error", err)
		return false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		s.logger.Warn("cannot read manifest", "path", path, "error", err)
		return false
	}

	updated, ok := ReplaceManifestVersion(data, rec.Bare())
	if !ok {
		s.logger.Debug("manifest has no version field", "path", path)
		return false
	}
	if string(updated) == string(data) {
		return false
	}
	if err := writeFileAtomic(path, updated, info.Mode().Perm()); err != nil {
		s.logger.Warn("cannot update manifest", "path", path, "error", err)
		return false
	}
	return true
}

// ReplaceManifestVersion substitutes the value of the first "version": "..."
// pair in data. It reports false when no such pair exists.
func ReplaceManifestVersion(data []byte, version string) ([]byte, bool) {
	loc := manifestVersionPattern.FindSubmatchIndex(data)
	if loc == nil {
		return data, false
	}

	// loc[4]:loc[5] is the value group
	out := make([]byte, 0, len(data)+len(version))
	out = append(out, data[:loc[4]]...)
	out = append(out, version...)
	out = append(out, data[loc[5]:]...)
	return out, true
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
