package archive

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"ban-chess/internal/db"
)

// MongoStore implements DurableStore on the archive database.
type MongoStore struct {
	db *db.MongoDB
}

func NewMongoStore(database *db.MongoDB) *MongoStore {
	return &MongoStore{db: database}
}

func (m *MongoStore) InsertMoves(ctx context.Context, rows []MoveRow) error {
	if len(rows) == 0 {
		return nil
	}
	docs := make([]interface{}, len(rows))
	for i, r := range rows {
		docs[i] = r
	}
	_, err := m.db.Moves().InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	return err
}

func (m *MongoStore) InsertEvents(ctx context.Context, rows []EventRow) error {
	if len(rows) == 0 {
		return nil
	}
	docs := make([]interface{}, len(rows))
	for i, r := range rows {
		docs[i] = r
	}
	_, err := m.db.GameEvents().InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	return err
}

// FinalizeGame writes the summary document and both players' aggregate
// counters inside one transaction.
func (m *MongoStore) FinalizeGame(ctx context.Context, summary GameSummary) error {
	session, err := m.db.Client.StartSession()
	if err != nil {
		return err
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		doc := bson.M{
			"gameId":      summary.GameID,
			"whiteId":     summary.WhiteID,
			"blackId":     summary.BlackID,
			"fenInitial":  summary.FENInitial,
			"fenFinal":    summary.FENFinal,
			"pgn":         summary.PGN,
			"result":      summary.Result,
			"timeControl": summary.TimeControl,
			"isSolo":      summary.IsSolo,
			"startedAt":   time.UnixMilli(summary.StartedAt),
			"completedAt": time.UnixMilli(summary.CompletedAt),
			"totalMoves":  summary.TotalMoves,
			"totalBans":   summary.TotalBans,
			"banMoves":    summary.BanMoves,
			"archived":    true,
		}
		if _, err := m.db.Games().UpdateOne(sc,
			bson.M{"gameId": summary.GameID},
			bson.M{"$set": doc},
			options.Update().SetUpsert(true),
		); err != nil {
			return nil, err
		}
		for _, userID := range []string{summary.WhiteID, summary.BlackID} {
			if userID == "" {
				continue
			}
			if _, err := m.db.Users().UpdateOne(sc,
				bson.M{"_id": userID},
				bson.M{
					"$inc": statsInc(userID, summary),
					"$set": bson.M{"lastSeenAt": time.Now()},
				},
				options.Update().SetUpsert(true),
			); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	return err
}

func statsInc(userID string, summary GameSummary) bson.M {
	inc := bson.M{"stats.played": 1}
	switch {
	case summary.Winner == "":
		inc["stats.drawn"] = 1
	case summary.Winner == userID:
		inc["stats.won"] = 1
	default:
		inc["stats.lost"] = 1
	}
	return inc
}
