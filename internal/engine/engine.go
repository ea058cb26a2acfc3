package engine

import (
	"encoding/json"
	"errors"

	"archipel/pkg/interfaces"
	"archipel/pkg/types"
)

// Game implements interfaces.RuleEngine. It is not safe for concurrent use;
// the owning session serializes access under its lock, and each peer mirror
// is confined to its own peer.
type Game struct {
	st gameState
}

var _ interfaces.RuleEngine = (*Game)(nil)

// CurrentMover returns the participant whose turn it is.
func (g *Game) CurrentMover() types.Identity {
	return g.st.Players[g.st.Turn].ID
}

// Winner reports the winning participant once the game is over.
func (g *Game) Winner() (types.Identity, bool) {
	if !g.st.Over {
		return 0, false
	}
	return g.st.WinnerID, true
}

// Snapshot returns an opaque serialized copy of the full game state.
func (g *Game) Snapshot() ([]byte, error) {
	return g.st.snapshot()
}

// RevertTo replaces the game state with a previous Snapshot.
func (g *Game) RevertTo(snapshot []byte) error {
	var st gameState
	if err := json.Unmarshal(snapshot, &st); err != nil {
		return err
	}
	if len(st.Players) == 0 || len(st.Islands) != IslandCount {
		return errors.New("snapshot does not describe a game")
	}
	g.st = st
	return nil
}

// ApplyCard plays the card at cardIndex in the mover's hand. The card's
// value caps the marker move later in the turn.
func (g *Game) ApplyCard(player types.Identity, cardIndex int) error {
	p, err := g.mover(player, phaseCard)
	if err != nil {
		return err
	}
	if cardIndex < 0 || cardIndex >= len(p.Hand) {
		return reject("no card at index %d", cardIndex)
	}
	p.Played = p.Hand[cardIndex]
	p.Hand = append(p.Hand[:cardIndex], p.Hand[cardIndex+1:]...)
	g.st.Phase = phaseStudents
	return nil
}

// ApplyStudentToHall moves one entrance student of the given color into the
// mover's hall. In expert mode every third student of a color earns a coin.
func (g *Game) ApplyStudentToHall(player types.Identity, studentIndex int) error {
	p, err := g.mover(player, phaseStudents)
	if err != nil {
		return err
	}
	if err := checkColor(studentIndex); err != nil {
		return err
	}
	if p.Entrance[studentIndex] == 0 {
		return reject("no student of color %d in entrance", studentIndex)
	}
	p.Entrance[studentIndex]--
	p.Hall[studentIndex]++
	if g.st.Expert && p.Hall[studentIndex]%3 == 0 {
		p.Coins++
	}
	g.studentPlaced()
	return nil
}

// ApplyStudentToIsland moves one entrance student of the given color onto an
// island.
func (g *Game) ApplyStudentToIsland(player types.Identity, studentIndex, islandIndex int) error {
	p, err := g.mover(player, phaseStudents)
	if err != nil {
		return err
	}
	if err := checkColor(studentIndex); err != nil {
		return err
	}
	if islandIndex < 0 || islandIndex >= IslandCount {
		return reject("no island at index %d", islandIndex)
	}
	if p.Entrance[studentIndex] == 0 {
		return reject("no student of color %d in entrance", studentIndex)
	}
	p.Entrance[studentIndex]--
	g.st.Islands[islandIndex].Students[studentIndex]++
	g.studentPlaced()
	return nil
}

// ApplyMarkerMove advances the marker and resolves influence on the island
// it lands on. Steps are capped by the played card (plus any courier bonus).
func (g *Game) ApplyMarkerMove(player types.Identity, steps int) error {
	_, err := g.mover(player, phaseMarker)
	if err != nil {
		return err
	}
	max := g.allowedSteps()
	if steps < 1 || steps > max {
		return reject("marker move of %d steps not allowed, maximum is %d", steps, max)
	}
	g.st.Marker = (g.st.Marker + steps) % IslandCount
	g.resolveIsland(g.st.Marker)
	if g.st.Over {
		return nil
	}
	g.st.Phase = phaseResource
	return nil
}

// ApplyResourceChoice refills the mover's entrance from a resource pool and
// ends the turn.
func (g *Game) ApplyResourceChoice(player types.Identity, resourceIndex int) error {
	p, err := g.mover(player, phaseResource)
	if err != nil {
		return err
	}
	if resourceIndex < 0 || resourceIndex >= len(g.st.Clouds) {
		return reject("no resource pool at index %d", resourceIndex)
	}
	cloud := g.st.Clouds[resourceIndex]
	total := 0
	for c, n := range cloud {
		total += n
		p.Entrance[c] += n
		cloud[c] = 0
	}
	if total == 0 {
		return reject("resource pool %d is already empty", resourceIndex)
	}
	g.endTurn()
	return nil
}

// ApplySpecialEffect activates an expert-mode effect, spending coins.
func (g *Game) ApplySpecialEffect(player types.Identity, effectIndex int, effectArgs []int) error {
	if !g.st.Expert {
		return reject("special effects require expert mode")
	}
	p, err := g.mover(player, g.st.Phase)
	if err != nil {
		return err
	}
	if effectIndex < 0 || effectIndex >= len(effectCosts) {
		return reject("no special effect at index %d", effectIndex)
	}
	cost := effectCosts[effectIndex]
	if p.Coins < cost {
		return reject("effect %d costs %d coins, have %d", effectIndex, cost, p.Coins)
	}

	switch effectIndex {
	case EffectHerald:
		if len(effectArgs) < 1 || effectArgs[0] < 0 || effectArgs[0] >= IslandCount {
			return reject("herald needs a valid island index")
		}
		p.Coins -= cost
		g.resolveIsland(effectArgs[0])

	case EffectCourier:
		if g.st.Phase == phaseResource {
			return reject("courier must be used before the marker move")
		}
		p.Coins -= cost
		g.st.Extra += 2

	case EffectSwapper:
		if len(effectArgs) < 2 {
			return reject("swapper needs an entrance color and a hall color")
		}
		ec, hc := effectArgs[0], effectArgs[1]
		if checkColor(ec) != nil || checkColor(hc) != nil {
			return reject("swapper colors out of range")
		}
		if p.Entrance[ec] == 0 {
			return reject("no student of color %d in entrance", ec)
		}
		if p.Hall[hc] == 0 {
			return reject("no student of color %d in hall", hc)
		}
		p.Coins -= cost
		p.Entrance[ec]--
		p.Hall[ec]++
		p.Hall[hc]--
		p.Entrance[hc]++
	}
	return nil
}

// SkipCurrentTurn abandons the mover's remaining phases and advances turn
// order. Used for autoplay and ghost seats; never fails on a live game.
func (g *Game) SkipCurrentTurn() error {
	if g.st.Over {
		return reject("game is over")
	}
	g.endTurn()
	return nil
}

// mover validates that the player is the current mover in the wanted phase.
func (g *Game) mover(player types.Identity, want phase) (*playerState, error) {
	if g.st.Over {
		return nil, reject("game is over")
	}
	p := &g.st.Players[g.st.Turn]
	if p.ID != player {
		return nil, reject("not your turn")
	}
	if g.st.Phase != want {
		return nil, reject("wrong phase: expected %s, in %s", want, g.st.Phase)
	}
	return p, nil
}

func checkColor(c int) error {
	if c < 0 || c >= Colors {
		return reject("color %d out of range", c)
	}
	return nil
}

func (g *Game) allowedSteps() int {
	p := g.st.Players[g.st.Turn]
	return (p.Played+1)/2 + g.st.Extra
}

func (g *Game) studentPlaced() {
	g.st.MovesDone++
	if g.st.MovesDone >= g.st.tuning().moves {
		g.st.Phase = phaseMarker
	}
}

// resolveIsland recomputes influence and transfers ownership. Influence is
// the island's students of each color whose hall majority the player holds
// strictly, plus the island's towers for the current owner.
func (g *Game) resolveIsland(idx int) {
	isl := &g.st.Islands[idx]

	majority := make([]types.Identity, Colors) // zero = contested or unclaimed
	for c := 0; c < Colors; c++ {
		best, owner, tied := -1, types.Identity(0), false
		for _, p := range g.st.Players {
			switch {
			case p.Hall[c] > best:
				best, owner, tied = p.Hall[c], p.ID, false
			case p.Hall[c] == best:
				tied = true
			}
		}
		if !tied && best > 0 {
			majority[c] = owner
		}
	}

	bestInfluence, bestPlayer, tied := 0, types.Identity(0), false
	for i := range g.st.Players {
		p := &g.st.Players[i]
		influence := 0
		for c := 0; c < Colors; c++ {
			if majority[c] == p.ID {
				influence += isl.Students[c]
			}
		}
		if isl.Owner == p.ID {
			influence += isl.Towers
		}
		switch {
		case influence > bestInfluence:
			bestInfluence, bestPlayer, tied = influence, p.ID, false
		case influence == bestInfluence && influence > 0:
			tied = true
		}
	}
	if tied || bestPlayer == 0 || bestPlayer == isl.Owner {
		return
	}

	if old := g.player(isl.Owner); old != nil {
		old.Towers += isl.Towers
	}
	winner := g.player(bestPlayer)
	isl.Owner = bestPlayer
	isl.Towers = 1
	winner.Towers--
	if winner.Towers <= 0 {
		g.finish(bestPlayer)
	}
}

// endTurn advances turn order and, on round wrap, refills resources and
// checks the end conditions: an exhausted hand or a bag too low to refill
// ends the game in favor of the fewest remaining towers.
func (g *Game) endTurn() {
	g.st.Extra = 0
	g.st.MovesDone = 0
	g.st.Phase = phaseCard
	g.st.Turn++
	if g.st.Turn < len(g.st.Players) {
		return
	}
	g.st.Turn = 0

	exhausted := false
	for i := range g.st.Players {
		g.st.Players[i].Played = 0
		if len(g.st.Players[i].Hand) == 0 {
			exhausted = true
		}
	}
	if exhausted || g.st.bagLow() {
		g.finish(g.leader())
		return
	}
	g.st.refillClouds()
}

// leader picks the endgame winner: fewest towers remaining, then most hall
// students, then earliest seat.
func (g *Game) leader() types.Identity {
	best := &g.st.Players[0]
	for i := 1; i < len(g.st.Players); i++ {
		p := &g.st.Players[i]
		if p.Towers < best.Towers {
			best = p
			continue
		}
		if p.Towers == best.Towers && hallTotal(p) > hallTotal(best) {
			best = p
		}
	}
	return best.ID
}

func hallTotal(p *playerState) int {
	total := 0
	for _, n := range p.Hall {
		total += n
	}
	return total
}

func (g *Game) player(id types.Identity) *playerState {
	for i := range g.st.Players {
		if g.st.Players[i].ID == id {
			return &g.st.Players[i]
		}
	}
	return nil
}

func (g *Game) finish(winner types.Identity) {
	g.st.Over = true
	g.st.WinnerID = winner
}
