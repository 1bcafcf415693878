// Package store persists the engine's records through gorm. The sqlite
// driver keeps single-process deployments and tests self-contained; any
// gorm-supported database can be swapped in through NewStore.
package store

import (
	"context"

	"github.com/glebarez/sqlite"
	"github.com/gofrs/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/openlend/core/core"
)

type Store struct {
	db *gorm.DB
}

// Open opens (or creates) a sqlite database at path and migrates the
// schema. Use ":memory:" for an ephemeral store.
func Open(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	return NewStore(db)
}

func NewStore(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&poolRow{}, &positionRow{}, &priceFeedRow{}, &operationRow{}); err != nil {
		return nil, errors.Wrap(err, "migrate schema")
	}
	return &Store{db: db}, nil
}

type poolRow struct {
	Id                   string `gorm:"primaryKey"`
	Authority            string
	AssetId              string `gorm:"uniqueIndex"`
	Treasury             string
	TotalDeposits        uint64
	TotalBorrowed        uint64
	LiquidationThreshold uint64
	MaxLtv               uint64
	InterestRateBps      uint64
	CreatedAt            int64 `gorm:"autoCreateTime:false"`
	LastUpdated          int64
}

func (poolRow) TableName() string { return "pools" }

func poolToRow(p *core.Pool) *poolRow {
	return &poolRow{
		Id:                   p.Id.String(),
		Authority:            p.Authority.String(),
		AssetId:              p.AssetId,
		Treasury:             p.Treasury.String(),
		TotalDeposits:        p.TotalDeposits,
		TotalBorrowed:        p.TotalBorrowed,
		LiquidationThreshold: p.LiquidationThreshold,
		MaxLtv:               p.MaxLTV,
		InterestRateBps:      p.InterestRateBps,
		CreatedAt:            p.CreatedAt,
		LastUpdated:          p.LastUpdated,
	}
}

func (r *poolRow) toPool() *core.Pool {
	return &core.Pool{
		Id:        uuid.FromStringOrNil(r.Id),
		Authority: uuid.FromStringOrNil(r.Authority),
		AssetId:   r.AssetId,
		Treasury:  uuid.FromStringOrNil(r.Treasury),
		PoolConfig: core.PoolConfig{
			LiquidationThreshold: r.LiquidationThreshold,
			MaxLTV:               r.MaxLtv,
			InterestRateBps:      r.InterestRateBps,
		},
		TotalDeposits: r.TotalDeposits,
		TotalBorrowed: r.TotalBorrowed,
		CreatedAt:     r.CreatedAt,
		LastUpdated:   r.LastUpdated,
	}
}

func (s *Store) CreatePool(ctx context.Context, pool *core.Pool) error {
	return s.db.WithContext(ctx).Create(poolToRow(pool)).Error
}

func (s *Store) UpsertPool(ctx context.Context, pool *core.Pool) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(poolToRow(pool)).Error
}

func (s *Store) GetPoolById(ctx context.Context, poolId uuid.UUID) (*core.Pool, error) {
	var row poolRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", poolId.String()).Error; err != nil {
		return nil, err
	}
	return row.toPool(), nil
}

func (s *Store) GetPoolByAssetId(ctx context.Context, assetId string) (*core.Pool, error) {
	var row poolRow
	if err := s.db.WithContext(ctx).First(&row, "asset_id = ?", assetId).Error; err != nil {
		return nil, err
	}
	return row.toPool(), nil
}

func (s *Store) ListPools(ctx context.Context) ([]*core.Pool, error) {
	var rows []poolRow
	if err := s.db.WithContext(ctx).Find(&rows).Error; err != nil {
		return nil, err
	}
	pools := make([]*core.Pool, 0, len(rows))
	for i := range rows {
		pools = append(pools, rows[i].toPool())
	}
	return pools, nil
}

type positionRow struct {
	PoolId         string `gorm:"primaryKey"`
	Owner          string `gorm:"primaryKey"`
	DepositAmount  uint64
	BorrowedAmount uint64
	CreatedAt      int64 `gorm:"autoCreateTime:false"`
	LastUpdated    int64
}

func (positionRow) TableName() string { return "positions" }

func positionToRow(p *core.Position) *positionRow {
	return &positionRow{
		PoolId:         p.PoolId.String(),
		Owner:          p.Owner.String(),
		DepositAmount:  p.DepositAmount,
		BorrowedAmount: p.BorrowedAmount,
		CreatedAt:      p.CreatedAt,
		LastUpdated:    p.LastUpdated,
	}
}

func (r *positionRow) toPosition() *core.Position {
	return &core.Position{
		PoolId:         uuid.FromStringOrNil(r.PoolId),
		Owner:          uuid.FromStringOrNil(r.Owner),
		DepositAmount:  r.DepositAmount,
		BorrowedAmount: r.BorrowedAmount,
		CreatedAt:      r.CreatedAt,
		LastUpdated:    r.LastUpdated,
	}
}

func (s *Store) FindPosition(ctx context.Context, poolId, owner uuid.UUID) (*core.Position, error) {
	var row positionRow
	err := s.db.WithContext(ctx).
		First(&row, "pool_id = ? AND owner = ?", poolId.String(), owner.String()).Error
	if err != nil {
		return nil, err
	}
	return row.toPosition(), nil
}

func (s *Store) UpsertPosition(ctx context.Context, position *core.Position) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(positionToRow(position)).Error
}

func (s *Store) ListPositions(ctx context.Context, poolId uuid.UUID) ([]*core.Position, error) {
	var rows []positionRow
	if err := s.db.WithContext(ctx).Find(&rows, "pool_id = ?", poolId.String()).Error; err != nil {
		return nil, err
	}
	positions := make([]*core.Position, 0, len(rows))
	for i := range rows {
		positions = append(positions, rows[i].toPosition())
	}
	return positions, nil
}

type priceFeedRow struct {
	Id          string `gorm:"primaryKey"`
	Authority   string
	Price       uint64
	Decimals    uint8
	CreatedAt   int64 `gorm:"autoCreateTime:false"`
	LastUpdated int64
}

func (priceFeedRow) TableName() string { return "price_feeds" }

func priceFeedToRow(f *core.PriceFeed) *priceFeedRow {
	return &priceFeedRow{
		Id:          f.Id.String(),
		Authority:   f.Authority.String(),
		Price:       f.Price,
		Decimals:    f.Decimals,
		CreatedAt:   f.CreatedAt,
		LastUpdated: f.LastUpdated,
	}
}

func (r *priceFeedRow) toPriceFeed() *core.PriceFeed {
	return &core.PriceFeed{
		Id:          uuid.FromStringOrNil(r.Id),
		Authority:   uuid.FromStringOrNil(r.Authority),
		Price:       r.Price,
		Decimals:    r.Decimals,
		CreatedAt:   r.CreatedAt,
		LastUpdated: r.LastUpdated,
	}
}

func (s *Store) CreatePriceFeed(ctx context.Context, feed *core.PriceFeed) error {
	return s.db.WithContext(ctx).Create(priceFeedToRow(feed)).Error
}

func (s *Store) UpsertPriceFeed(ctx context.Context, feed *core.PriceFeed) error {
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(priceFeedToRow(feed)).Error
}

func (s *Store) GetPriceFeedById(ctx context.Context, feedId uuid.UUID) (*core.PriceFeed, error) {
	var row priceFeedRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", feedId.String()).Error; err != nil {
		return nil, err
	}
	return row.toPriceFeed(), nil
}

type operationRow struct {
	Id        uint64 `gorm:"primaryKey;autoIncrement"`
	Actor     string `gorm:"index"`
	Action    string
	PoolId    string
	Amount    uint64
	CreatedAt int64 `gorm:"autoCreateTime:false"`
}

func (operationRow) TableName() string { return "operations" }

func (s *Store) CreateOperation(ctx context.Context, operation *core.Operation) error {
	return s.db.WithContext(ctx).Create(&operationRow{
		Actor:     operation.Actor.String(),
		Action:    string(operation.Action),
		PoolId:    operation.PoolId.String(),
		Amount:    operation.Amount,
		CreatedAt: operation.CreatedAt,
	}).Error
}

func (s *Store) ListOperations(ctx context.Context, actor uuid.UUID, createdBeforeAt, limit int64) ([]core.Operation, error) {
	query := s.db.WithContext(ctx).Model(&operationRow{}).
		Where("actor = ?", actor.String()).
		Order("created_at DESC").
		Limit(int(limit))
	if createdBeforeAt > 0 {
		query = query.Where("created_at < ?", createdBeforeAt)
	}

	var rows []operationRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	operations := make([]core.Operation, 0, len(rows))
	for _, row := range rows {
		operations = append(operations, core.Operation{
			Actor:     uuid.FromStringOrNil(row.Actor),
			Action:    core.ActionType(row.Action),
			PoolId:    uuid.FromStringOrNil(row.PoolId),
			Amount:    row.Amount,
			CreatedAt: row.CreatedAt,
		})
	}
	return operations, nil
}
