package syncengine

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mmdatafocus/maintsync/config"
	"github.com/mmdatafocus/maintsync/entities"
	"github.com/mmdatafocus/maintsync/models"
	"github.com/mmdatafocus/maintsync/utils"
	"gorm.io/gorm"
)

type Strategy string

const (
	StrategyServerWins Strategy = config.ConflictServerWins
	StrategyClientWins Strategy = config.ConflictClientWins
	StrategyNewestWins Strategy = config.ConflictNewestWins
)

func ParseStrategy(v string) (Strategy, error) {
	switch s := Strategy(strings.ToLower(strings.TrimSpace(v))); s {
	case StrategyServerWins, StrategyClientWins, StrategyNewestWins:
		return s, nil
	case "":
		return StrategyServerWins, nil
	default:
		return "", fmt.Errorf("unknown conflict strategy %q", v)
	}
}

type Winner string

const (
	WinnerLocal  Winner = "local"
	WinnerRemote Winner = "remote"
)

// Version is one side of a conflict.
type Version struct {
	ModifiedAt time.Time
	Version    int
	Data       json.RawMessage
}

// Resolve decides which side of a conflict wins. Timestamps are compared in
// UTC; a newest_wins tie goes to the remote side.
func Resolve(local, remote Version, strategy Strategy) Winner {
	switch strategy {
	case StrategyClientWins:
		return WinnerLocal
	case StrategyNewestWins:
		if entities.NormalizeTime(local.ModifiedAt).After(entities.NormalizeTime(remote.ModifiedAt)) {
			return WinnerLocal
		}
		return WinnerRemote
	default:
		return WinnerRemote
	}
}

// Pick returns the winning side itself.
func Pick(local, remote Version, strategy Strategy) Version {
	if Resolve(local, remote, strategy) == WinnerLocal {
		return local
	}
	return remote
}

// Conflict sources recorded in the audit log.
const (
	ConflictSourcePush = "push"
	ConflictSourcePull = "pull"
)

type conflictRecord struct {
	Table      string
	NaturalKey string
	ClientId   string
	Source     string
	Strategy   Strategy
	Winner     Winner
	Local      Version
	Remote     Version
}

func recordConflict(tx *gorm.DB, rec conflictRecord, now time.Time) error {
	row := models.ConflictLog{
		EntityTable:      rec.Table,
		NaturalKey:       rec.NaturalKey,
		Source:           rec.Source,
		Strategy:         string(rec.Strategy),
		Winner:           string(rec.Winner),
		LocalModifiedAt:  entities.NormalizeTime(rec.Local.ModifiedAt),
		RemoteModifiedAt: entities.NormalizeTime(rec.Remote.ModifiedAt),
		LocalVersion:     rec.Local.Version,
		RemoteVersion:    rec.Remote.Version,
		ClientId:         utils.NilIfEmpty(rec.ClientId),
		CreatedAt:        now,
	}
	return tx.Create(&row).Error
}

// pruneConflicts drops audit rows older than the retention window.
func pruneConflicts(tx *gorm.DB, olderThan time.Time) (int64, error) {
	res := tx.Where("created_at < ?", entities.NormalizeTime(olderThan)).Delete(&models.ConflictLog{})
	return res.RowsAffected, res.Error
}
