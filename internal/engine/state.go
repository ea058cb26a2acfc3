// Package engine is the turn-based rule collaborator: an island-conquest
// game where players place students, move a shared marker, and claim islands
// by influence. Sessions and peer mirrors drive it exclusively through
// pkg/interfaces.RuleEngine.
package engine

import (
	"encoding/json"
	"errors"
	"math/rand/v2"

	"archipel/pkg/interfaces"
	"archipel/pkg/types"
)

const (
	// Colors is the number of student colors.
	Colors = 5
	// IslandCount is fixed for every game.
	IslandCount = 12
	// HandSize is the number of numbered cards dealt to each player.
	HandSize = 10
	// studentsPerColor sizes the shared bag.
	studentsPerColor = 26
)

// phase is the step of the current mover's turn.
type phase string

const (
	phaseCard     phase = "card"
	phaseStudents phase = "students"
	phaseMarker   phase = "marker"
	phaseResource phase = "resource"
)

// Special effect indexes, available in expert mode.
const (
	EffectHerald  = 0 // resolve an island without moving the marker
	EffectCourier = 1 // +2 marker steps this turn
	EffectSwapper = 2 // swap one entrance student with one hall student
)

var effectCosts = [...]int{EffectHerald: 3, EffectCourier: 1, EffectSwapper: 2}

type playerState struct {
	ID       types.Identity `json:"id"`
	Hand     []int          `json:"hand"`   // remaining card values, 1..HandSize
	Played   int            `json:"played"` // card value played this round, 0 = none
	Entrance []int          `json:"entrance"`
	Hall     []int          `json:"hall"`
	Towers   int            `json:"towers"`
	Coins    int            `json:"coins"`
}

type islandState struct {
	Students []int          `json:"students"`
	Owner    types.Identity `json:"owner,omitempty"`
	Towers   int            `json:"towers,omitempty"`
}

// gameState is the full serializable game. The bag is pre-shuffled at
// creation, so a snapshot determines all future draws.
type gameState struct {
	Expert    bool           `json:"expert"`
	Players   []playerState  `json:"players"`
	Islands   []islandState  `json:"islands"`
	Marker    int            `json:"marker"`
	Clouds    [][]int        `json:"clouds"`
	Bag       []int          `json:"bag"` // color indexes, drawn from the end
	Turn      int            `json:"turn"`
	Phase     phase          `json:"phase"`
	MovesDone int            `json:"moves_done"`
	Extra     int            `json:"extra,omitempty"` // courier bonus, current turn only
	Over      bool           `json:"over,omitempty"`
	WinnerID  types.Identity `json:"winner_id,omitempty"`
}

// tuning holds the per-player-count parameters.
type tuning struct {
	entrance  int
	moves     int
	towers    int
	cloudSize int
}

func tuningFor(players int) (tuning, error) {
	switch players {
	case 2:
		return tuning{entrance: 7, moves: 3, towers: 8, cloudSize: 3}, nil
	case 3:
		return tuning{entrance: 9, moves: 4, towers: 6, cloudSize: 4}, nil
	default:
		return tuning{}, errors.New("engine supports 2 or 3 players")
	}
}

func (s *gameState) tuning() tuning {
	t, _ := tuningFor(len(s.Players))
	return t
}

// Factory builds games. It satisfies interfaces.EngineFactory.
type Factory struct{}

var _ interfaces.EngineFactory = Factory{}

// New deals a fresh game in the given seat order.
func (Factory) New(players []types.Identity, expertMode bool) (interfaces.RuleEngine, error) {
	t, err := tuningFor(len(players))
	if err != nil {
		return nil, err
	}
	for _, id := range players {
		if id == 0 {
			return nil, errors.New("zero identity in seat order")
		}
	}

	st := gameState{
		Expert:  expertMode,
		Islands: make([]islandState, IslandCount),
		Clouds:  make([][]int, len(players)),
		Phase:   phaseCard,
	}

	bag := make([]int, 0, Colors*studentsPerColor)
	for c := 0; c < Colors; c++ {
		for n := 0; n < studentsPerColor; n++ {
			bag = append(bag, c)
		}
	}
	rand.Shuffle(len(bag), func(i, j int) { bag[i], bag[j] = bag[j], bag[i] })
	st.Bag = bag

	for i := range st.Islands {
		st.Islands[i].Students = make([]int, Colors)
		// The marker island and the one opposite start empty.
		if i == 0 || i == IslandCount/2 {
			continue
		}
		for n := 0; n < 2; n++ {
			st.Islands[i].Students[st.draw()]++
		}
	}

	for _, id := range players {
		p := playerState{
			ID:       id,
			Hand:     make([]int, HandSize),
			Entrance: make([]int, Colors),
			Hall:     make([]int, Colors),
			Towers:   t.towers,
		}
		for v := 1; v <= HandSize; v++ {
			p.Hand[v-1] = v
		}
		for n := 0; n < t.entrance; n++ {
			p.Entrance[st.draw()]++
		}
		if expertMode {
			p.Coins = 1
		}
		st.Players = append(st.Players, p)
	}

	st.refillClouds()
	return &Game{st: st}, nil
}

// Restore rebuilds a game from a Snapshot, as peers do on gameStarted and on
// resync.
func (Factory) Restore(snapshot []byte) (interfaces.RuleEngine, error) {
	g := &Game{}
	if err := g.RevertTo(snapshot); err != nil {
		return nil, err
	}
	return g, nil
}

// draw takes one student color from the bag. Callers check exhaustion via
// bagLow before relying on further draws.
func (s *gameState) draw() int {
	c := s.Bag[len(s.Bag)-1]
	s.Bag = s.Bag[:len(s.Bag)-1]
	return c
}

func (s *gameState) refillClouds() {
	t := s.tuning()
	for i := range s.Clouds {
		cloud := make([]int, Colors)
		for n := 0; n < t.cloudSize; n++ {
			cloud[s.draw()]++
		}
		s.Clouds[i] = cloud
	}
}

// bagLow reports whether the bag cannot refill every cloud one more time.
func (s *gameState) bagLow() bool {
	return len(s.Bag) < len(s.Clouds)*s.tuning().cloudSize
}

func (s *gameState) snapshot() ([]byte, error) {
	return json.Marshal(s)
}
