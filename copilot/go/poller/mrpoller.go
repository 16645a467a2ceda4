package poller

import (
	"context"
	"time"

	"go.copilot.dev/infra/copilot/go/orchestrator"
	"go.copilot.dev/infra/go/gitlab"
	"go.copilot.dev/infra/go/skerr"
	"go.copilot.dev/infra/go/sklog"
)

// reviewHandler is the part of the orchestrator the MR poller drives.
type reviewHandler interface {
	HandleMRReview(ctx context.Context, ev *orchestrator.MREvent) error
}

// mrLister is the part of the GitLab client the MR poller reads from.
type mrLister interface {
	ListProjectMRs(ctx context.Context, projectID int64, state string, updatedAfter time.Time) ([]*gitlab.MergeRequest, error)
}

// Project is one polled repository, resolved at startup.
type Project struct {
	ID       int64
	CloneURL string
}

// MRPoller periodically reviews merge requests updated since its watermark.
type MRPoller struct {
	handler  reviewHandler
	lister   mrLister
	projects []Project
	interval time.Duration
	// watermark is the start time of the last fully-successful cycle. Only
	// pollOnce touches it.
	watermark time.Time
}

// NewMRPoller returns an MRPoller over the given projects.
func NewMRPoller(handler reviewHandler, lister mrLister, projects []Project, interval time.Duration) *MRPoller {
	return &MRPoller{
		handler:  handler,
		lister:   lister,
		projects: projects,
		interval: interval,
	}
}

// Start runs the poll loop until the context is cancelled.
func (p *MRPoller) Start(ctx context.Context) {
	runLoop(ctx, "mr", p.interval, p.pollOnce)
}

// pollOnce reviews every MR updated since the watermark. The watermark
// advances only after a complete cycle, so a failure re-covers the same
// window next time and the dedup keys absorb the overlap.
func (p *MRPoller) pollOnce(ctx context.Context) error {
	cycleStart := time.Now()
	for _, project := range p.projects {
		mrs, err := p.lister.ListProjectMRs(ctx, project.ID, gitlab.MRStateOpened, p.watermark)
		if err != nil {
			return skerr.Wrapf(err, "listing MRs for project %d", project.ID)
		}
		for _, mr := range mrs {
			ev := &orchestrator.MREvent{
				ProjectID:    project.ID,
				MRIID:        mr.IID,
				SourceBranch: mr.SourceBranch,
				TargetBranch: mr.TargetBranch,
				HeadCommit:   mr.SHA,
				Title:        mr.Title,
				Description:  mr.Description,
				CloneURL:     project.CloneURL,
			}
			if err := p.handler.HandleMRReview(ctx, ev); err != nil {
				return skerr.Wrapf(err, "reviewing MR %d/%d", project.ID, mr.IID)
			}
		}
	}
	sklog.Debugf("MR poll cycle complete; watermark -> %s", cycleStart)
	p.watermark = cycleStart
	return nil
}
