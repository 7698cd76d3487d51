package board

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cardflow/internal/domain"
)

func TestResolveAssignmentUserWins(t *testing.T) {
	target := stage("b", 1)
	target.DefaultUserID = strPtr("u2")
	target.DefaultTeamID = strPtr("t1")
	c := card("x", "a", 1000)
	c.Agents = []string{"u1"}

	a := ResolveAssignment(c, target, true)
	require.NotNil(t, a)
	require.NotNil(t, a.AssignedTo)
	assert.Equal(t, "u2", *a.AssignedTo)
	assert.Nil(t, a.AssignedTeamID)
	assert.Equal(t, []string{"u1", "u2"}, a.Agents)
	assert.Equal(t, []string{"u1"}, c.Agents)
}

func TestResolveAssignmentUserAlreadyInRoster(t *testing.T) {
	target := stage("b", 1)
	target.DefaultUserID = strPtr("u1")
	c := card("x", "a", 1000)
	c.Agents = []string{"u1"}

	a := ResolveAssignment(c, target, true)
	require.NotNil(t, a)
	assert.Nil(t, a.Agents)
}

func TestResolveAssignmentTeamOnly(t *testing.T) {
	target := stage("b", 1)
	target.DefaultTeamID = strPtr("t1")

	a := ResolveAssignment(card("x", "a", 1000), target, true)
	require.NotNil(t, a)
	assert.Nil(t, a.AssignedTo)
	require.NotNil(t, a.AssignedTeamID)
	assert.Equal(t, "t1", *a.AssignedTeamID)
}

func TestResolveAssignmentNoDefaultsOrNotCrossed(t *testing.T) {
	assert.Nil(t, ResolveAssignment(card("x", "a", 1000), stage("b", 1), true))

	target := stage("b", 1)
	target.DefaultUserID = strPtr("u1")
	assert.Nil(t, ResolveAssignment(card("x", "a", 1000), target, false))
}

func TestStatusFor(t *testing.T) {
	done := stage("done", 3)
	done.IsCompletion = true
	assert.Equal(t, domain.StatusCompleted, StatusFor(done))
	assert.Equal(t, domain.StatusInProgress, StatusFor(stage("a", 0)))
}
