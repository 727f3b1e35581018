package idgen

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/nrednav/cuid2"
	"github.com/oklog/ulid/v2"
	"github.com/segmentio/ksuid"
)

// NewULID returns a generator of monotonic ULIDs: two IDs minted in the same
// millisecond still compare in creation order, so a conversation sorted by
// message ID is sorted by send time.
func NewULID() Generator {
	var mu sync.Mutex
	entropy := ulid.Monotonic(rand.Reader, 0)
	return &generator{
		name: StrategyULID,
		gen: func() (string, error) {
			mu.Lock()
			defer mu.Unlock()
			id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
			if err != nil {
				return "", err
			}
			return id.String(), nil
		},
		check: func(id string) error {
			if err := checkLength(id, ulid.EncodedSize); err != nil {
				return err
			}
			_, err := ulid.ParseStrict(id)
			return err
		},
	}
}

// NewKSUID returns a KSUID generator.
func NewKSUID() Generator {
	return &generator{
		name: StrategyKSUID,
		gen: func() (string, error) {
			id, err := ksuid.NewRandom()
			if err != nil {
				return "", err
			}
			return id.String(), nil
		},
		check: func(id string) error {
			if err := checkLength(id, 27); err != nil {
				return err
			}
			_, err := ksuid.Parse(id)
			return err
		},
	}
}

const (
	DefaultNanoIDSize     = 21
	DefaultNanoIDAlphabet = "_-0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
)

// NewNanoID returns a NanoID generator. size must be in [1, 256] and the
// alphabet needs at least two symbols.
func NewNanoID(size int, alphabet string) (Generator, error) {
	if size < 1 || size > 256 {
		return nil, fmt.Errorf("nanoid size must be between 1 and 256, got %d", size)
	}
	if len(alphabet) < 2 {
		return nil, fmt.Errorf("nanoid alphabet needs at least 2 symbols, got %d", len(alphabet))
	}
	return &generator{
		name: StrategyNanoID,
		gen:  func() (string, error) { return gonanoid.Generate(alphabet, size) },
		check: func(id string) error {
			if err := checkLength(id, size); err != nil {
				return err
			}
			if i := strings.IndexFunc(id, func(r rune) bool { return !strings.ContainsRune(alphabet, r) }); i >= 0 {
				return fmt.Errorf("symbol %q not in alphabet", id[i])
			}
			return nil
		},
	}, nil
}

const DefaultCUID2Length = 24

// NewCUID2 returns a CUID2 generator. length must be in [2, 32].
func NewCUID2(length int) (Generator, error) {
	if length < 2 || length > 32 {
		return nil, fmt.Errorf("cuid2 length must be between 2 and 32, got %d", length)
	}
	next, err := cuid2.Init(cuid2.WithLength(length))
	if err != nil {
		return nil, fmt.Errorf("init cuid2: %w", err)
	}
	return &generator{
		name: StrategyCUID2,
		gen:  func() (string, error) { return next(), nil },
		check: func(id string) error {
			if err := checkLength(id, length); err != nil {
				return err
			}
			if !cuid2.IsCuid(id) {
				return errors.New("not a cuid2")
			}
			return nil
		},
	}, nil
}

// NewUUID returns a random (v4) UUID generator.
func NewUUID() Generator {
	return &generator{
		name: StrategyUUID,
		gen: func() (string, error) {
			id, err := uuid.NewRandom()
			if err != nil {
				return "", err
			}
			return id.String(), nil
		},
		check: func(id string) error {
			parsed, err := uuid.Parse(id)
			if err != nil {
				return err
			}
			if v := parsed.Version(); v != 4 {
				return fmt.Errorf("uuid version %d, want 4", v)
			}
			return nil
		},
	}
}
