package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"keymarket/native/market"
	"keymarket/storage"
)

var handlePrefix = []byte("identity/handle/")

// Registry binds human-readable handles to payable addresses in the
// key-value store.
type Registry struct {
	db    storage.Database
	nowFn func() int64
}

// NewRegistry constructs a registry bound to the provided storage backend.
func NewRegistry(db storage.Database) *Registry {
	return &Registry{
		db: db,
		nowFn: func() int64 {
			return time.Now().Unix()
		},
	}
}

// SetNowFunc overrides the time source for deterministic testing.
func (r *Registry) SetNowFunc(now func() int64) {
	if now != nil {
		r.nowFn = now
	}
}

func handleKey(handle string) []byte {
	return append(append([]byte{}, handlePrefix...), []byte(handle)...)
}

// Register binds a handle to an address. The handle must be unclaimed.
func (r *Registry) Register(handle string, addr [20]byte) (*HandleRecord, error) {
	normalized, err := NormalizeHandle(handle)
	if err != nil {
		return nil, err
	}
	if existing, ok, err := r.Lookup(normalized); err != nil {
		return nil, err
	} else if ok && existing.Address != addr {
		return nil, ErrHandleTaken
	}
	now := r.nowFn()
	record := &HandleRecord{Handle: normalized, Address: addr, CreatedAt: now, UpdatedAt: now}
	if err := r.put(record); err != nil {
		return nil, err
	}
	return record, nil
}

// SetAddress repoints an existing handle at a new payable address.
func (r *Registry) SetAddress(handle string, addr [20]byte) (*HandleRecord, error) {
	normalized, err := NormalizeHandle(handle)
	if err != nil {
		return nil, err
	}
	record, ok, err := r.Lookup(normalized)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnregisteredHandle, normalized)
	}
	record.Address = addr
	record.UpdatedAt = r.nowFn()
	if err := r.put(record); err != nil {
		return nil, err
	}
	return record, nil
}

// Lookup fetches the record for a normalized handle.
func (r *Registry) Lookup(handle string) (*HandleRecord, bool, error) {
	raw, err := r.db.Get(handleKey(handle))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var record HandleRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, false, fmt.Errorf("decode handle %q: %w", handle, err)
	}
	return &record, true, nil
}

// Resolve returns the payable address for a handle.
func (r *Registry) Resolve(handle string) ([20]byte, error) {
	normalized, err := NormalizeHandle(handle)
	if err != nil {
		return [20]byte{}, err
	}
	record, ok, err := r.Lookup(normalized)
	if err != nil {
		return [20]byte{}, err
	}
	if !ok {
		return [20]byte{}, fmt.Errorf("%w: %s", ErrUnregisteredHandle, normalized)
	}
	return record.Address, nil
}

func (r *Registry) put(record *HandleRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return r.db.Put(handleKey(record.Handle), raw)
}

// SubjectResolver resolves market subject identifiers: 0x-prefixed strings
// parse as raw addresses, anything else goes through the handle registry.
type SubjectResolver struct {
	registry *Registry
}

// NewSubjectResolver wraps a registry for use as the engine's recipient
// resolver.
func NewSubjectResolver(registry *Registry) *SubjectResolver {
	return &SubjectResolver{registry: registry}
}

// ResolveSubject implements market.RecipientResolver.
func (s *SubjectResolver) ResolveSubject(id market.SubjectID) ([20]byte, error) {
	trimmed := strings.TrimSpace(string(id))
	if trimmed == "" {
		return [20]byte{}, market.ErrInvalidSubject
	}
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		if !common.IsHexAddress(trimmed) {
			return [20]byte{}, fmt.Errorf("%w: %s", market.ErrInvalidSubject, trimmed)
		}
		return common.HexToAddress(trimmed), nil
	}
	return s.registry.Resolve(trimmed)
}

// NormalizeSubject canonicalises a subject identifier the way the resolver
// will interpret it, so ledger keys stay consistent across callers.
func NormalizeSubject(raw string) (market.SubjectID, error) {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		if !common.IsHexAddress(trimmed) {
			return "", fmt.Errorf("%w: %s", market.ErrInvalidSubject, trimmed)
		}
		return market.SubjectID(strings.ToLower(common.HexToAddress(trimmed).Hex())), nil
	}
	normalized, err := NormalizeHandle(trimmed)
	if err != nil {
		return "", err
	}
	return market.SubjectID(normalized), nil
}
