package relaydocs

import (
	"context"
	"fmt"

	"github.com/agentworkforce/relaydocs/internal/logging"
)

// TrackStatus is the document state reported by the external editor.
type TrackStatus int

const (
	TrackNotFound           TrackStatus = 0
	TrackEditing            TrackStatus = 1
	TrackMustSave           TrackStatus = 2
	TrackCorrupted          TrackStatus = 3
	TrackClosed             TrackStatus = 4
	TrackForceSave          TrackStatus = 6
	TrackCorruptedForceSave TrackStatus = 7
)

type TrackAction struct {
	Type   int    `json:"type"`
	UserID string `json:"userid"`
}

// TrackData is one callback of the external editor.
type TrackData struct {
	Key           string        `json:"key"`
	Status        TrackStatus   `json:"status"`
	URL           string        `json:"url,omitempty"`
	ChangesURL    string        `json:"changesurl,omitempty"`
	Users         []string      `json:"users,omitempty"`
	Actions       []TrackAction `json:"actions,omitempty"`
	ForceSaveType int           `json:"forcesavetype,omitempty"`
	UserData      string        `json:"userdata,omitempty"`
}

// actingUser is the identity a save is attributed to.
func (d TrackData) actingUser() string {
	for _, a := range d.Actions {
		if a.UserID != "" {
			return a.UserID
		}
	}
	if len(d.Users) > 0 {
		return d.Users[0]
	}
	return ""
}

// TrackProcessor applies editor callbacks to the tracker and the ledger.
type TrackProcessor struct {
	files      FileDao
	tracker    *EditTracker
	ledger     *Ledger
	downloader Downloader
	logger     logging.Logger
}

func NewTrackProcessor(files FileDao, tracker *EditTracker, ledger *Ledger, downloader Downloader, logger logging.Logger) *TrackProcessor {
	if downloader == nil {
		downloader = HTTPDownloader{}
	}
	if logger == nil {
		logger = logging.Nop()
	}
	return &TrackProcessor{files: files, tracker: tracker, ledger: ledger, downloader: downloader, logger: logger}
}

// ProcessData handles one callback for fileID. A nil error means the
// editor may consider the event accepted.
func (p *TrackProcessor) ProcessData(ctx context.Context, fileID string, data TrackData) error {
	switch data.Status {
	case TrackNotFound:
		return nil
	case TrackEditing:
		p.syncEditors(ctx, fileID, data.Users)
		return nil
	case TrackMustSave, TrackForceSave:
		return p.save(ctx, fileID, data)
	case TrackCorrupted, TrackCorruptedForceSave:
		p.logger.Error(ctx, "editor reported corrupted document", "fileId", fileID, "status", int(data.Status))
		if data.Status == TrackCorrupted {
			p.tracker.Remove(ctx, fileID, "", "")
		}
		return fmt.Errorf("%w: document %s reported corrupted", ErrInvalidState, fileID)
	case TrackClosed:
		p.tracker.Remove(ctx, fileID, "", "")
		return nil
	default:
		return fmt.Errorf("%w: unknown status %d", ErrBadRequest, data.Status)
	}
}

// syncEditors makes the tracked editor set equal users.
func (p *TrackProcessor) syncEditors(ctx context.Context, fileID string, users []string) {
	for _, current := range p.tracker.GetEditingBy(fileID) {
		if !contains(users, current) {
			p.tracker.Remove(ctx, fileID, "", current)
		}
	}
	changed := false
	for _, user := range users {
		if p.tracker.ProlongEditing(fileID, trackSessionID(user), user, false) {
			changed = true
		}
	}
	if changed {
		p.tracker.notify(ctx, fileID)
	}
}

func trackSessionID(userID string) string {
	return "track:" + userID
}

func (p *TrackProcessor) save(ctx context.Context, fileID string, data TrackData) error {
	if data.URL == "" {
		return fmt.Errorf("%w: save callback without url", ErrBadRequest)
	}
	if user := data.actingUser(); user != "" {
		ctx = WithIdentity(ctx, Identity{UserID: user, TenantID: IdentityFrom(ctx).TenantID})
	}
	comment := ""
	if data.Status == TrackForceSave {
		comment = "Force saved"
	}
	saved, err := p.ledger.SaveEditing(ctx, SaveRequest{
		FileID:      fileID,
		SourceURI:   data.URL,
		Comment:     comment,
		CheckRights: false,
	})
	if err != nil {
		p.logger.Error(ctx, "track save failed", "fileId", fileID, "error", err)
		return err
	}
	if data.Status == TrackMustSave {
		p.tracker.Remove(ctx, fileID, "", "")
	}
	if data.ChangesURL != "" {
		body, err := p.downloader.Download(ctx, data.ChangesURL)
		if err != nil {
			p.logger.Warn(ctx, "changes archive download failed", "fileId", saved.ID, "error", err)
		} else {
			err = p.files.SaveDifference(ctx, saved, body)
			_ = body.Close()
			if err != nil {
				p.logger.Warn(ctx, "changes archive save failed", "fileId", saved.ID, "error", err)
			}
		}
	}
	p.logger.Info(ctx, "track save applied", "fileId", saved.ID, "version", saved.Version, "status", int(data.Status))
	return nil
}
