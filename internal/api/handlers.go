package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/vibes-engineering-org/cptbased-rockpaperscissors/internal/game"
	"github.com/vibes-engineering-org/cptbased-rockpaperscissors/internal/store"
)

func roundIDParam(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "roundID"), 10, 64)
	return id, err == nil
}

// handleCurrentRound returns the active round's public view.
func (s *Server) handleCurrentRound(w http.ResponseWriter, r *http.Request) {
	st, err := s.eng.CurrentRound(r.Context())
	if err != nil {
		s.handleError(w, r, err, nil)
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

// handleGetRound returns any round's public view, past or future.
func (s *Server) handleGetRound(w http.ResponseWriter, r *http.Request) {
	id, ok := roundIDParam(r)
	if !ok {
		s.handleValidationError(w, r, "roundID", "round id must be an integer")
		return
	}
	st, err := s.eng.Round(r.Context(), id)
	if err != nil {
		s.handleError(w, r, err, map[string]interface{}{"round_id": id})
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

// handleListRounds returns paginated round history, newest first.
func (s *Server) handleListRounds(w http.ResponseWriter, r *http.Request) {
	q := store.RoundsQuery{}
	if v := r.URL.Query().Get("page"); v != "" {
		q.Page, _ = strconv.Atoi(v)
	}
	if v := r.URL.Query().Get("per_page"); v != "" {
		q.PerPage, _ = strconv.Atoi(v)
	}
	q.SettledOnly = r.URL.Query().Get("settled") == "true"

	list, err := s.db.ListRounds(r.Context(), q)
	if err != nil {
		s.handleError(w, r, err, nil)
		return
	}
	s.writeJSON(w, http.StatusOK, RoundsResponse{
		Rounds:     list.Rounds,
		Page:       list.Page,
		PerPage:    list.PerPage,
		TotalCount: list.TotalCount,
		TotalPages: list.TotalPages,
	})
}

// handleSubmitEntry admits a paid entry into the round's entry window.
func (s *Server) handleSubmitEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := roundIDParam(r)
	if !ok {
		s.handleValidationError(w, r, "roundID", "round id must be an integer")
		return
	}

	var req EntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.handleValidationError(w, r, "body", "invalid JSON format")
		return
	}
	if req.Participant == "" {
		s.handleValidationError(w, r, "participant", "participant is required")
		return
	}
	mv, err := game.ParseMove(req.Move)
	if err != nil {
		s.handleValidationError(w, r, "move", "move must be rock, paper, or scissors")
		return
	}

	receipt, err := s.eng.SubmitEntry(r.Context(), req.Participant, id, mv)
	if err != nil {
		s.handleError(w, r, err, map[string]interface{}{
			"round_id":    id,
			"participant": req.Participant,
		})
		return
	}

	s.writeJSON(w, http.StatusCreated, EntryResponse{
		Receipt:    receipt,
		FeeDisplay: microDisplay(receipt.Fee),
	})
}

// handleEntryStatus reports whether a participant has entered a round and,
// once the round is settled, which move they chose. Moves in open rounds are
// never disclosed.
func (s *Server) handleEntryStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := roundIDParam(r)
	if !ok {
		s.handleValidationError(w, r, "roundID", "round id must be an integer")
		return
	}
	participant := chi.URLParam(r, "participant")

	entered, err := s.eng.HasEntered(r.Context(), id, participant)
	if err != nil {
		s.handleError(w, r, err, map[string]interface{}{"round_id": id})
		return
	}

	resp := EntryStatusResponse{RoundID: id, Participant: participant, Entered: entered}
	if entered {
		st, err := s.eng.Round(r.Context(), id)
		if err != nil {
			s.handleError(w, r, err, map[string]interface{}{"round_id": id})
			return
		}
		if st.Settled {
			mv, err := s.eng.Choice(r.Context(), id, participant)
			if err != nil {
				s.handleError(w, r, err, map[string]interface{}{"round_id": id})
				return
			}
			if mv != nil {
				resp.Move = mv.String()
			}
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleClaim disburses a winner's share of a settled round.
func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	id, ok := roundIDParam(r)
	if !ok {
		s.handleValidationError(w, r, "roundID", "round id must be an integer")
		return
	}

	var req ClaimRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.handleValidationError(w, r, "body", "invalid JSON format")
		return
	}
	if req.Participant == "" {
		s.handleValidationError(w, r, "participant", "participant is required")
		return
	}

	amount, err := s.eng.Claim(r.Context(), req.Participant, id)
	if err != nil {
		s.handleError(w, r, err, map[string]interface{}{
			"round_id":    id,
			"participant": req.Participant,
		})
		return
	}

	s.writeJSON(w, http.StatusOK, ClaimResponse{
		RoundID:       id,
		Participant:   req.Participant,
		Amount:        amount,
		AmountDisplay: microDisplay(amount),
	})
}

// handleSettle forces settlement of an elapsed round. Operator endpoint; the
// ticker normally does this on its own.
func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	id, ok := roundIDParam(r)
	if !ok {
		s.handleValidationError(w, r, "roundID", "round id must be an integer")
		return
	}
	round, err := s.eng.Settle(r.Context(), id)
	if err != nil {
		s.handleError(w, r, err, map[string]interface{}{"round_id": id})
		return
	}
	s.writeJSON(w, http.StatusOK, round)
}

// handleSweep releases a settled zero-winner pool. Operator endpoint.
func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	id, ok := roundIDParam(r)
	if !ok {
		s.handleValidationError(w, r, "roundID", "round id must be an integer")
		return
	}
	amount, err := s.eng.Sweep(r.Context(), id)
	if err != nil {
		s.handleError(w, r, err, map[string]interface{}{"round_id": id})
		return
	}
	s.writeJSON(w, http.StatusOK, SweepResponse{
		RoundID:       id,
		Amount:        amount,
		AmountDisplay: microDisplay(amount),
	})
}

// handleFairness publishes the outcome commitment and economic constants.
func (s *Server) handleFairness(w http.ResponseWriter, r *http.Request) {
	sched := s.eng.Clock().Schedule()
	cfg := s.eng.Economics()
	s.writeJSON(w, http.StatusOK, FairnessResponse{
		Commitment:        s.eng.Commitment(),
		Mode:              string(s.eng.Mode()),
		RoundDurationSecs: int64(sched.RoundDuration.Seconds()),
		EntryWindowSecs:   int64(sched.EntryWindow.Seconds()),
		EntryFee:          cfg.EntryFee,
		EntryFeeDisplay:   microDisplay(cfg.EntryFee),
		Rake:              cfg.Rake,
		RakeDisplay:       microDisplay(cfg.Rake),
	})
}

// handleLeaderboard ranks participants by total paid winnings.
func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, _ = strconv.Atoi(v)
	}
	rows, err := s.db.Leaderboard(r.Context(), limit)
	if err != nil {
		s.handleError(w, r, err, nil)
		return
	}
	if rows == nil {
		rows = []store.LeaderboardRow{}
	}
	s.writeJSON(w, http.StatusOK, LeaderboardResponse{Rows: rows})
}
