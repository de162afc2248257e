package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Lane é um caminho de processamento com orçamento de latência próprio.
type Lane string

const (
	LaneExpress  Lane = "express"
	LaneStandard Lane = "standard"
	LaneDeep     Lane = "deep"
)

// LaneConfig descreve uma lane.
//
// MaxTokens é o limite exclusivo de complexidade (consulta com n tokens entra
// se n < MaxTokens). 0 marca a lane "pega-tudo", que deve ser a última.
type LaneConfig struct {
	Lane        Lane          `mapstructure:"name" json:"lane"`
	MaxTokens   int           `mapstructure:"max_tokens" json:"max_tokens"`
	Budget      time.Duration `mapstructure:"budget" json:"budget"`
	MaxInFlight int           `mapstructure:"max_in_flight" json:"max_in_flight"`
}

func DefaultLanes() []LaneConfig {
	return []LaneConfig{
		{Lane: LaneExpress, MaxTokens: 5, Budget: 30 * time.Millisecond},
		{Lane: LaneStandard, MaxTokens: 15, Budget: 80 * time.Millisecond},
		{Lane: LaneDeep, Budget: 120 * time.Millisecond},
	}
}

func ValidateLanes(lanes []LaneConfig) error {
	if len(lanes) == 0 {
		return errors.New("at least one lane is required")
	}
	seen := make(map[Lane]bool, len(lanes))
	prev := 0
	for i, l := range lanes {
		if l.Lane == "" {
			return fmt.Errorf("lane %d: name is required", i)
		}
		if seen[l.Lane] {
			return fmt.Errorf("lane %s: duplicated", l.Lane)
		}
		seen[l.Lane] = true
		if l.Budget <= 0 {
			return fmt.Errorf("lane %s: budget must be > 0", l.Lane)
		}
		last := i == len(lanes)-1
		if last && l.MaxTokens != 0 {
			return fmt.Errorf("lane %s: last lane must have max_tokens=0", l.Lane)
		}
		if !last {
			if l.MaxTokens <= prev {
				return fmt.Errorf("lane %s: max_tokens must be increasing", l.Lane)
			}
			prev = l.MaxTokens
		}
	}
	return nil
}

// WordCount é a métrica de complexidade padrão.
func WordCount(query string) int { return len(strings.Fields(query)) }

// Classifier mapeia uma consulta para uma lane. É uma função pura da entrada.
type Classifier struct {
	Lanes   []LaneConfig
	Measure func(query string) int
}

func NewClassifier(lanes []LaneConfig) Classifier {
	return Classifier{Lanes: lanes, Measure: WordCount}
}

func (c Classifier) Classify(query string) LaneConfig {
	measure := c.Measure
	if measure == nil {
		measure = WordCount
	}
	n := measure(query)
	for _, l := range c.Lanes {
		if l.MaxTokens <= 0 || n < l.MaxTokens {
			return l
		}
	}
	return c.Lanes[len(c.Lanes)-1]
}
