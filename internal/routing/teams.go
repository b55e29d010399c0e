package routing

import "github.com/jordanhubbard/tinyloom/pkg/models"

// FindTeamForAgent returns the first team, in registry order, that lists
// agentID as a member.
func FindTeamForAgent(agentID string, reg *models.Registry) (models.Team, bool) {
	var found models.Team
	ok := false
	reg.Teams.Each(func(_ string, t models.Team) bool {
		if t.HasMember(agentID) {
			found, ok = t, true
			return false
		}
		return true
	})
	return found, ok
}

// TeamContext picks the team an external message runs in. A message routed
// through a team prefix prefers a team the agent leads; otherwise the first
// team the agent belongs to wins.
func TeamContext(agentID string, isTeam bool, reg *models.Registry) (models.Team, bool) {
	if isTeam {
		var led models.Team
		found := false
		reg.Teams.Each(func(_ string, t models.Team) bool {
			if t.LeaderAgent == agentID && t.HasMember(agentID) {
				led, found = t, true
				return false
			}
			return true
		})
		if found {
			return led, true
		}
	}
	return FindTeamForAgent(agentID, reg)
}
