package idgen

import (
	"errors"
	"fmt"
)

// Strategies accepted by Config.Strategy.
const (
	StrategyULID   = "ulid"
	StrategyKSUID  = "ksuid"
	StrategyNanoID = "nanoid"
	StrategyCUID2  = "cuid2"
	StrategyUUID   = "uuid"
)

// ErrInvalidID is returned by Validate for identifiers the generator could
// not have produced.
var ErrInvalidID = errors.New("invalid id")

// Generator creates message identifiers and recognises its own output.
type Generator interface {
	Generate() (string, error)
	Validate(id string) error
}

// Config selects the message ID format.
type Config struct {
	Strategy       string `mapstructure:"strategy"`
	NanoIDSize     int    `mapstructure:"nanoid_size"`
	NanoIDAlphabet string `mapstructure:"nanoid_alphabet"`
	CUID2Length    int    `mapstructure:"cuid2_length"`
}

// New builds the generator named by cfg.Strategy. ULID is the default since
// its IDs sort by creation time.
func New(cfg Config) (Generator, error) {
	switch cfg.Strategy {
	case "", StrategyULID:
		return NewULID(), nil
	case StrategyKSUID:
		return NewKSUID(), nil
	case StrategyNanoID:
		size, alphabet := cfg.NanoIDSize, cfg.NanoIDAlphabet
		if size == 0 {
			size = DefaultNanoIDSize
		}
		if alphabet == "" {
			alphabet = DefaultNanoIDAlphabet
		}
		return NewNanoID(size, alphabet)
	case StrategyCUID2:
		length := cfg.CUID2Length
		if length == 0 {
			length = DefaultCUID2Length
		}
		return NewCUID2(length)
	case StrategyUUID:
		return NewUUID(), nil
	default:
		return nil, fmt.Errorf("unsupported id strategy: %s", cfg.Strategy)
	}
}

// generator adapts a pair of functions to Generator.
type generator struct {
	name  string
	gen   func() (string, error)
	check func(id string) error
}

func (g *generator) Generate() (string, error) {
	id, err := g.gen()
	if err != nil {
		return "", fmt.Errorf("generate %s: %w", g.name, err)
	}
	return id, nil
}

func (g *generator) Validate(id string) error {
	if err := g.check(id); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidID, g.name, err)
	}
	return nil
}

func checkLength(id string, want int) error {
	if len(id) != want {
		return fmt.Errorf("length %d, want %d", len(id), want)
	}
	return nil
}
