package domain

import (
	"fmt"

	"github.com/vibesdlc/orchestrator/internal/apperr"
)

func errTransition(from, to StoryStatus) error {
	return apperr.Conflict("story.transition", fmt.Sprintf("illegal status transition %s -> %s", from, to))
}
