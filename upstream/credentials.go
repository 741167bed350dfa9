// Copyright 2026 The Gatehouse Authors
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bureau-foundation/bureau/lib/codec"
	"github.com/bureau-foundation/bureau/lib/sealed"
	"github.com/bureau-foundation/bureau/lib/secret"
)

// CredentialSource provides named secrets (upstream passwords, static
// auth header values) to the gateway.
//
// Get returns a borrowed *secret.Buffer — the source retains ownership
// and the caller must NOT close it. Returns nil when the credential is
// not found.
//
// Close releases all mmap-backed buffers held by the source. The
// creator of a CredentialSource is responsible for calling Close;
// consumers borrow references and must not close the source.
type CredentialSource interface {
	Get(name string) *secret.Buffer
	Close() error
}

// EnvCredentialSource reads credentials from environment variables.
// Useful for development and testing. Results are cached in mmap-backed
// buffers on first access — the env var string briefly touches the heap
// during os.Getenv, but the cached copy is protected.
type EnvCredentialSource struct {
	// Prefix is prepended to credential names when looking up env vars.
	// Example: Prefix="GATEHOUSE_" means Get("retrieval-password")
	// looks up GATEHOUSE_RETRIEVAL_PASSWORD.
	Prefix string

	mu    sync.Mutex
	cache map[string]*secret.Buffer
}

// Get retrieves a credential from environment variables.
func (s *EnvCredentialSource) Get(name string) *secret.Buffer {
	// Convert credential name to env var format: retrieval-password -> RETRIEVAL_PASSWORD
	envName := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	if s.Prefix != "" {
		envName = s.Prefix + envName
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cache != nil {
		if buffer, ok := s.cache[name]; ok {
			return buffer
		}
	}

	value := os.Getenv(envName)
	if value == "" {
		return nil
	}

	buffer, err := secret.NewFromBytes([]byte(value))
	if err != nil {
		return nil
	}
	if s.cache == nil {
		s.cache = make(map[string]*secret.Buffer)
	}
	s.cache[name] = buffer
	return buffer
}

// Close releases all cached credential buffers.
func (s *EnvCredentialSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, buffer := range s.cache {
		buffer.Close()
		delete(s.cache, name)
	}
	return nil
}

// FileCredentialSource reads credentials from a key=value file.
// This is more secure than environment variables because file contents
// are not visible in /proc/*/environ.
//
// File format (one credential per line):
//
//	RETRIEVAL_PASSWORD=hunter2
//	AGENT_API_KEY=ak-...
//
// Lines starting with # are comments. Empty lines are ignored.
//
// Thread safety: Get is safe for concurrent use. The file is loaded
// lazily on first Get via sync.Once. Close must not be called
// concurrently with Get (the caller must ensure no reads are in flight).
type FileCredentialSource struct {
	// Path is the path to the credentials file.
	Path string

	// credentials is the parsed credential map, loaded lazily via once.
	once        sync.Once
	credentials map[string]*secret.Buffer
}

// Get retrieves a credential from the file.
func (s *FileCredentialSource) Get(name string) *secret.Buffer {
	s.once.Do(s.load)
	// Convert credential name to file key format: retrieval-password -> RETRIEVAL_PASSWORD
	key := strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
	return s.credentials[key]
}

// Close releases all credential buffers.
func (s *FileCredentialSource) Close() error {
	for key, buffer := range s.credentials {
		buffer.Close()
		delete(s.credentials, key)
	}
	return nil
}

// load parses the credentials file. Called via sync.Once from Get.
func (s *FileCredentialSource) load() {
	s.credentials = make(map[string]*secret.Buffer)

	if s.Path == "" {
		return
	}

	file, err := os.Open(s.Path)
	if err != nil {
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		// Skip empty lines and comments.
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		// Parse key=value.
		if index := strings.Index(line, "="); index > 0 {
			key := strings.TrimSpace(line[:index])
			value := strings.TrimSpace(line[index+1:])
			buffer, err := secret.NewFromBytes([]byte(value))
			if err != nil {
				continue
			}
			s.credentials[key] = buffer
		}
	}
}

// SystemdCredentialSource reads credentials from systemd's credential
// directory. See: https://systemd.io/CREDENTIALS/
type SystemdCredentialSource struct {
	// Directory is the path to the credentials directory.
	// Defaults to $CREDENTIALS_DIRECTORY if empty.
	Directory string

	mu    sync.Mutex
	cache map[string]*secret.Buffer
}

// Get retrieves a credential from the systemd credentials directory.
func (s *SystemdCredentialSource) Get(name string) *secret.Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cache != nil {
		if buffer, ok := s.cache[name]; ok {
			return buffer
		}
	}

	directory := s.Directory
	if directory == "" {
		directory = os.Getenv("CREDENTIALS_DIRECTORY")
	}
	if directory == "" {
		return nil
	}

	path := filepath.Join(directory, name)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}

	// Credential files commonly have trailing newlines — strip whitespace
	// before moving into mmap-backed memory.
	trimmed := []byte(strings.TrimSpace(string(data)))
	secret.Zero(data)
	if len(trimmed) == 0 {
		return nil
	}

	buffer, err := secret.NewFromBytes(trimmed)
	if err != nil {
		return nil
	}

	if s.cache == nil {
		s.cache = make(map[string]*secret.Buffer)
	}
	s.cache[name] = buffer
	return buffer
}

// Close releases all cached credential buffers.
func (s *SystemdCredentialSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, buffer := range s.cache {
		buffer.Close()
		delete(s.cache, name)
	}
	return nil
}

// SealedCredentialSource reads age-sealed credential files from a
// directory. A credential named "retrieval-password" is expected at
// <Directory>/retrieval-password.age, containing the base64 ciphertext
// produced by `gatehousectl seal`. Files are unsealed on first access
// with the gateway's private key and cached.
type SealedCredentialSource struct {
	// Directory holds the *.age credential files.
	Directory string

	// PrivateKey is the gateway's age identity. Borrowed: the source
	// does not close it.
	PrivateKey *secret.Buffer

	mu    sync.Mutex
	cache map[string]*secret.Buffer
}

// Get unseals a credential file. Returns nil when the file does not
// exist or cannot be unsealed with the configured key.
func (s *SealedCredentialSource) Get(name string) *secret.Buffer {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cache != nil {
		if buffer, ok := s.cache[name]; ok {
			return buffer
		}
	}

	if s.Directory == "" || s.PrivateKey == nil {
		return nil
	}

	data, err := os.ReadFile(filepath.Join(s.Directory, name+".age"))
	if err != nil {
		return nil
	}

	buffer, err := sealed.Unseal(strings.TrimSpace(string(data)), s.PrivateKey)
	if err != nil {
		return nil
	}

	if s.cache == nil {
		s.cache = make(map[string]*secret.Buffer)
	}
	s.cache[name] = buffer
	return buffer
}

// Close releases all cached credential buffers. The private key is
// borrowed and left open.
func (s *SealedCredentialSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, buffer := range s.cache {
		buffer.Close()
		delete(s.cache, name)
	}
	return nil
}

// MapCredentialSource provides credentials from mmap-backed buffers.
// Use NewMapCredentialSource to construct from a string map.
//
// Thread safety: the credentials map is immutable after construction.
// Get is safe for concurrent use. Close must not be called concurrently
// with Get (the caller must ensure no reads are in flight).
type MapCredentialSource struct {
	credentials map[string]*secret.Buffer
}

// NewMapCredentialSource creates a MapCredentialSource from string values.
// Each value is copied into an mmap-backed buffer. Returns an error if
// any buffer allocation fails.
func NewMapCredentialSource(values map[string]string) (*MapCredentialSource, error) {
	credentials := make(map[string]*secret.Buffer, len(values))
	for key, value := range values {
		buffer, err := secret.NewFromBytes([]byte(value))
		if err != nil {
			// Clean up already-created buffers.
			for _, existing := range credentials {
				existing.Close()
			}
			return nil, fmt.Errorf("creating credential buffer for %q: %w", key, err)
		}
		credentials[key] = buffer
	}
	return &MapCredentialSource{credentials: credentials}, nil
}

// Get retrieves a credential from the map.
func (s *MapCredentialSource) Get(name string) *secret.Buffer {
	if s.credentials == nil {
		return nil
	}
	return s.credentials[name]
}

// Close releases all credential buffers.
func (s *MapCredentialSource) Close() error {
	for key, buffer := range s.credentials {
		buffer.Close()
		delete(s.credentials, key)
	}
	return nil
}

// ChainCredentialSource tries multiple credential sources in order.
// Returns the first non-nil value found.
//
// Thread safety: the Sources slice is immutable after construction.
// Get is safe for concurrent use if all child sources are safe for
// concurrent use. Close must not be called concurrently with Get.
type ChainCredentialSource struct {
	Sources []CredentialSource
}

// Get tries each source in order and returns the first non-nil value.
func (s *ChainCredentialSource) Get(name string) *secret.Buffer {
	for _, source := range s.Sources {
		if value := source.Get(name); value != nil {
			return value
		}
	}
	return nil
}

// Close closes all child credential sources.
func (s *ChainCredentialSource) Close() error {
	for _, source := range s.Sources {
		source.Close()
	}
	return nil
}

// credentialPayload is the CBOR document a supervisor pipes to the
// gateway at startup.
type credentialPayload struct {
	Credentials map[string]string `cbor:"credentials"`
}

// PipeCredentialSource reads credentials from a CBOR-encoded payload
// piped to an io.Reader (typically stdin) at construction time. This
// is the supervisor handoff mechanism: the parent process decrypts a
// credential bundle and pipes it to the gateway, so secrets never
// touch the environment or the filesystem. The raw buffer is zeroed
// after parsing to minimize the time all credentials coexist in a
// single contiguous memory region.
//
// Lookup is exact-match on the keys of the payload's credentials map —
// no normalization is applied.
//
// Thread safety: the credentials map is immutable after construction.
// Get is safe for concurrent use. Close must not be called
// concurrently with Get.
type PipeCredentialSource struct {
	credentials map[string]*secret.Buffer
}

// ReadPipeCredentials reads a CBOR credential payload from reader and
// returns a PipeCredentialSource. The reader is read to completion
// (stdin is one-shot). The raw buffer is zeroed after parsing.
func ReadPipeCredentials(reader io.Reader) (*PipeCredentialSource, error) {
	rawBuffer, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("reading credential payload: %w", err)
	}

	defer func() { secret.Zero(rawBuffer) }()

	if len(rawBuffer) == 0 {
		return nil, fmt.Errorf("credential payload is empty")
	}

	var payload credentialPayload
	if err := codec.Unmarshal(rawBuffer, &payload); err != nil {
		return nil, fmt.Errorf("parsing credential payload: %w", err)
	}
	if len(payload.Credentials) == 0 {
		return nil, fmt.Errorf("credential payload has no credentials")
	}

	credentials := make(map[string]*secret.Buffer, len(payload.Credentials))
	for key, value := range payload.Credentials {
		buffer, err := secret.NewFromBytes([]byte(value))
		if err != nil {
			for _, existing := range credentials {
				existing.Close()
			}
			return nil, fmt.Errorf("creating credential buffer for %q: %w", key, err)
		}
		credentials[key] = buffer
	}

	return &PipeCredentialSource{credentials: credentials}, nil
}

// Get retrieves a credential by exact name.
func (s *PipeCredentialSource) Get(name string) *secret.Buffer {
	return s.credentials[name]
}

// Close releases all credential buffers.
func (s *PipeCredentialSource) Close() error {
	for key, buffer := range s.credentials {
		buffer.Close()
		delete(s.credentials, key)
	}
	return nil
}

// Verify credential sources implement CredentialSource interface.
var (
	_ CredentialSource = (*EnvCredentialSource)(nil)
	_ CredentialSource = (*FileCredentialSource)(nil)
	_ CredentialSource = (*SystemdCredentialSource)(nil)
	_ CredentialSource = (*SealedCredentialSource)(nil)
	_ CredentialSource = (*MapCredentialSource)(nil)
	_ CredentialSource = (*ChainCredentialSource)(nil)
	_ CredentialSource = (*PipeCredentialSource)(nil)
)
