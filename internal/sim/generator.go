package sim

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/dennisdiepolder/monti/wallboard/internal/types"
)

// MaxAgents is the number of distinct codes of the form A000..Z999
const MaxAgents = 26 * 1000

// Agent is a simulated roster entry
type Agent struct {
	Code       string           `json:"agentCode"`
	Name       string           `json:"name"`
	Email      string           `json:"email,omitempty"`
	Department types.Department `json:"department"`
}

var (
	firstNames = []string{"Anna", "Ben", "Clara", "David", "Elif", "Felix", "Greta", "Hannah", "Ismail", "Jonas", "Katrin", "Lukas", "Mara", "Noah", "Olga", "Paul"}
	lastNames  = []string{"Becker", "Fischer", "Hoffmann", "Klein", "Koch", "Meyer", "Neumann", "Richter", "Schmidt", "Schulz", "Wagner", "Weber", "Wolf", "Yilmaz"}
)

// Generator creates fake agents
type Generator struct {
	rng *rand.Rand
}

// NewGenerator creates a new agent generator
func NewGenerator(seed int64) *Generator {
	return &Generator{rng: rand.New(rand.NewSource(seed))}
}

// Generate creates count agents with codes A000, A001, ... and a weighted department mix
func (g *Generator) Generate(count int) []Agent {
	if count > MaxAgents {
		count = MaxAgents
	}
	if count < 0 {
		count = 0
	}

	departments := []types.Department{
		types.DeptSales,
		types.DeptSupport,
		types.DeptTechnical,
		types.DeptGeneral,
	}
	// 30% Sales, 35% Support, 20% Technical, 15% General
	weights := []int{30, 35, 20, 15}

	agents := make([]Agent, count)
	for i := range agents {
		code := agentCode(i)
		first := firstNames[g.rng.Intn(len(firstNames))]
		last := lastNames[g.rng.Intn(len(lastNames))]
		agents[i] = Agent{
			Code:       code,
			Name:       first + " " + last,
			Email:      fmt.Sprintf("%s.%s.%s@wallboard.local", strings.ToLower(first), strings.ToLower(last), strings.ToLower(code)),
			Department: departments[g.weightedIndex(weights)],
		}
	}
	return agents
}

func (g *Generator) weightedIndex(weights []int) int {
	total := 0
	for _, w := range weights {
		total += w
	}
	choice := g.rng.Intn(total)
	cumulative := 0
	for i, w := range weights {
		cumulative += w
		if choice < cumulative {
			return i
		}
	}
	return 0
}

func agentCode(i int) string {
	return fmt.Sprintf("%c%03d", 'A'+rune(i/1000), i%1000)
}
