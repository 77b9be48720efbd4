package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"netsense/internal/logger"
	"netsense/pkg/model"
)

// ErrNotFound 记录不存在
var ErrNotFound = errors.New("record not found")

// ErrInvalidArgument 参数为空或无法规范化
var ErrInvalidArgument = errors.New("invalid argument")

// Snapshot 完整性快照：持久化的计数与实际记录数
type Snapshot struct {
	Stored    int64
	HasStored bool
	Live      int64
}

// Gateway 规则持久化网关，所有变更在单个事务内完成并同步记录计数
type Gateway struct {
	db  *gorm.DB
	log logger.Logger
}

// NewGateway 创建持久化网关
func NewGateway(db *gorm.DB, l logger.Logger) *Gateway {
	if l == nil {
		l = logger.NewNop()
	}
	return &Gateway{db: db, log: l}
}

// DB 返回底层连接
func (g *Gateway) DB() *gorm.DB { return g.db }

// Close 关闭数据库连接
func (g *Gateway) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ---------- 顶级站点 ----------

// GetOrigin 获取站点
func (g *Gateway) GetOrigin(ctx context.Context, name string) (model.TrackedOrigin, error) {
	var rec OriginRecord
	if err := first(g.db.WithContext(ctx), &rec, "name = ?", model.NormalizeOrigin(name)); err != nil {
		return model.TrackedOrigin{}, err
	}
	return rec.toModel(), nil
}

// AddOrigin 添加站点，已存在时不做任何修改
func (g *Gateway) AddOrigin(ctx context.Context, name string) (model.TrackedOrigin, error) {
	name = model.NormalizeOrigin(name)
	if name == "" {
		return model.TrackedOrigin{}, fmt.Errorf("%w: empty origin", ErrInvalidArgument)
	}
	var out OriginRecord
	err := g.mutate(ctx, func(tx *gorm.DB) error {
		rec := OriginRecord{Name: name, Subpaths: []string{}}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rec).Error; err != nil {
			return err
		}
		return first(tx, &out, "name = ?", name)
	})
	if err != nil {
		return model.TrackedOrigin{}, err
	}
	return out.toModel(), nil
}

// RemoveOrigin 删除站点及其全部子路径
func (g *Gateway) RemoveOrigin(ctx context.Context, name string) error {
	name = model.NormalizeOrigin(name)
	return g.mutate(ctx, func(tx *gorm.DB) error {
		res := tx.Delete(&OriginRecord{}, "name = ?", name)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return tx.Delete(&SubpathRecord{}, "origin = ?", name).Error
	})
}

// ListOrigins 按前缀列出站点
func (g *Gateway) ListOrigins(ctx context.Context, prefix string) ([]model.TrackedOrigin, error) {
	var recs []OriginRecord
	q := g.db.WithContext(ctx).Order("name")
	if prefix = model.NormalizeSubpath(prefix); prefix != "" {
		q = q.Where("name LIKE ?", prefix+"%")
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]model.TrackedOrigin, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.toModel())
	}
	return out, nil
}

// ---------- 子路径 ----------

// GetSubpath 按复合键获取子路径
func (g *Gateway) GetSubpath(ctx context.Context, key string) (model.TrackedSubpath, error) {
	var rec SubpathRecord
	if err := first(g.db.WithContext(ctx), &rec, "key = ?", key); err != nil {
		return model.TrackedSubpath{}, err
	}
	return rec.toModel(), nil
}

// AddSubpath 在已跟踪站点下添加子路径
func (g *Gateway) AddSubpath(ctx context.Context, origin, subpath string) (model.TrackedSubpath, error) {
	origin = model.NormalizeOrigin(origin)
	subpath = model.NormalizeSubpath(subpath)
	if origin == "" || subpath == "" {
		return model.TrackedSubpath{}, fmt.Errorf("%w: empty origin or subpath", ErrInvalidArgument)
	}
	key := model.SubpathKey(origin, subpath)

	var out SubpathRecord
	err := g.mutate(ctx, func(tx *gorm.DB) error {
		var parent OriginRecord
		if err := first(tx, &parent, "name = ?", origin); err != nil {
			return err
		}
		rec := SubpathRecord{Key: key, Origin: origin, Subpath: subpath, Endpoints: []string{}, Scripts: []string{}, Version: 1}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rec).Error; err != nil {
			return err
		}
		if subs, added := addUnique(parent.Subpaths, subpath); added {
			parent.Subpaths = subs
			if err := tx.Save(&parent).Error; err != nil {
				return err
			}
		}
		return first(tx, &out, "key = ?", key)
	})
	if err != nil {
		return model.TrackedSubpath{}, err
	}
	return out.toModel(), nil
}

// RemoveSubpath 删除子路径并从所属站点的成员中移除
func (g *Gateway) RemoveSubpath(ctx context.Context, key string) error {
	return g.mutate(ctx, func(tx *gorm.DB) error {
		var rec SubpathRecord
		if err := first(tx, &rec, "key = ?", key); err != nil {
			return err
		}
		if err := tx.Delete(&rec).Error; err != nil {
			return err
		}
		var parent OriginRecord
		err := first(tx, &parent, "name = ?", rec.Origin)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if subs, removed := removeValue(parent.Subpaths, rec.Subpath); removed {
			parent.Subpaths = subs
			return tx.Save(&parent).Error
		}
		return nil
	})
}

// ListSubpaths 按前缀列出站点下的子路径
func (g *Gateway) ListSubpaths(ctx context.Context, origin, prefix string) ([]model.TrackedSubpath, error) {
	var recs []SubpathRecord
	q := g.db.WithContext(ctx).Where("origin = ?", model.NormalizeOrigin(origin)).Order("subpath")
	if prefix = model.NormalizeSubpath(prefix); prefix != "" {
		q = q.Where("subpath LIKE ?", prefix+"%")
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]model.TrackedSubpath, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.toModel())
	}
	return out, nil
}

// SetSubpathLogging 设置子路径日志开关
func (g *Gateway) SetSubpathLogging(ctx context.Context, key string, enabled bool) (model.TrackedSubpath, error) {
	return g.updateSubpath(ctx, key, func(_ *gorm.DB, rec *SubpathRecord) error {
		rec.Logging = enabled
		return nil
	})
}

// SetSubpathEndpoint 关联或解除子路径与转发目标
func (g *Gateway) SetSubpathEndpoint(ctx context.Context, key, endpoint string, attach bool) (model.TrackedSubpath, error) {
	return g.updateSubpath(ctx, key, func(tx *gorm.DB, rec *SubpathRecord) error {
		if !attach {
			rec.Endpoints, _ = removeValue(rec.Endpoints, endpoint)
			return nil
		}
		var ep EndpointRecord
		if err := first(tx, &ep, "url = ?", endpoint); err != nil {
			return fmt.Errorf("endpoint %s: %w", endpoint, err)
		}
		rec.Endpoints, _ = addUnique(rec.Endpoints, endpoint)
		return nil
	})
}

// SetSubpathScript 关联或解除子路径与脚本
func (g *Gateway) SetSubpathScript(ctx context.Context, key, name string, attach bool) (model.TrackedSubpath, error) {
	return g.updateSubpath(ctx, key, func(tx *gorm.DB, rec *SubpathRecord) error {
		if !attach {
			rec.Scripts, _ = removeValue(rec.Scripts, name)
			return nil
		}
		var s ScriptRecord
		if err := first(tx, &s, "name = ?", name); err != nil {
			return fmt.Errorf("script %s: %w", name, err)
		}
		rec.Scripts, _ = addUnique(rec.Scripts, name)
		return nil
	})
}

func (g *Gateway) updateSubpath(ctx context.Context, key string, fn func(tx *gorm.DB, rec *SubpathRecord) error) (model.TrackedSubpath, error) {
	var out SubpathRecord
	err := g.mutate(ctx, func(tx *gorm.DB) error {
		if err := first(tx, &out, "key = ?", key); err != nil {
			return err
		}
		if err := fn(tx, &out); err != nil {
			return err
		}
		out.Version++
		return tx.Save(&out).Error
	})
	if err != nil {
		return model.TrackedSubpath{}, err
	}
	return out.toModel(), nil
}

// ---------- 转发目标 ----------

// AddEndpoint 添加转发目标
func (g *Gateway) AddEndpoint(ctx context.Context, url string) (model.Endpoint, error) {
	if url == "" {
		return model.Endpoint{}, fmt.Errorf("%w: empty endpoint", ErrInvalidArgument)
	}
	var out EndpointRecord
	err := g.mutate(ctx, func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&EndpointRecord{URL: url}).Error; err != nil {
			return err
		}
		return first(tx, &out, "url = ?", url)
	})
	if err != nil {
		return model.Endpoint{}, err
	}
	return out.toModel(), nil
}

// RemoveEndpoint 删除转发目标并从所有子路径中解除关联
func (g *Gateway) RemoveEndpoint(ctx context.Context, url string) error {
	return g.mutate(ctx, func(tx *gorm.DB) error {
		res := tx.Delete(&EndpointRecord{}, "url = ?", url)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return detach(tx, url, func(r *SubpathRecord) *[]string { return &r.Endpoints })
	})
}

// ListEndpoints 按前缀列出转发目标
func (g *Gateway) ListEndpoints(ctx context.Context, prefix string) ([]model.Endpoint, error) {
	var recs []EndpointRecord
	q := g.db.WithContext(ctx).Order("url")
	if prefix != "" {
		q = q.Where("url LIKE ?", prefix+"%")
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]model.Endpoint, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.toModel())
	}
	return out, nil
}

// ---------- 脚本 ----------

// GetScript 获取脚本
func (g *Gateway) GetScript(ctx context.Context, name string) (model.Script, error) {
	var rec ScriptRecord
	if err := first(g.db.WithContext(ctx), &rec, "name = ?", name); err != nil {
		return model.Script{}, err
	}
	return rec.toModel(), nil
}

// AddScript 添加脚本，同名脚本已存在时保持原内容
func (g *Gateway) AddScript(ctx context.Context, name, content string) (model.Script, error) {
	if name == "" {
		return model.Script{}, fmt.Errorf("%w: empty script name", ErrInvalidArgument)
	}
	var out ScriptRecord
	err := g.mutate(ctx, func(tx *gorm.DB) error {
		rec := ScriptRecord{Name: name, Content: content}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rec).Error; err != nil {
			return err
		}
		return first(tx, &out, "name = ?", name)
	})
	if err != nil {
		return model.Script{}, err
	}
	return out.toModel(), nil
}

// SetScript 更新脚本内容
func (g *Gateway) SetScript(ctx context.Context, name, content string) (model.Script, error) {
	var out ScriptRecord
	err := g.mutate(ctx, func(tx *gorm.DB) error {
		if err := first(tx, &out, "name = ?", name); err != nil {
			return err
		}
		out.Content = content
		return tx.Save(&out).Error
	})
	if err != nil {
		return model.Script{}, err
	}
	return out.toModel(), nil
}

// RemoveScript 删除脚本并从所有子路径中解除关联
func (g *Gateway) RemoveScript(ctx context.Context, name string) error {
	return g.mutate(ctx, func(tx *gorm.DB) error {
		res := tx.Delete(&ScriptRecord{}, "name = ?", name)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return detach(tx, name, func(r *SubpathRecord) *[]string { return &r.Scripts })
	})
}

// ListScripts 按前缀列出脚本
func (g *Gateway) ListScripts(ctx context.Context, prefix string) ([]model.Script, error) {
	var recs []ScriptRecord
	q := g.db.WithContext(ctx).Order("name")
	if prefix != "" {
		q = q.Where("name LIKE ?", prefix+"%")
	}
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]model.Script, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.toModel())
	}
	return out, nil
}

// ---------- 设置与完整性 ----------

// Setting 读取设置
func (g *Gateway) Setting(ctx context.Context, key string) (string, bool, error) {
	var s Setting
	err := first(g.db.WithContext(ctx), &s, "key = ?", key)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return s.Value, true, nil
}

// SetSetting 写入设置
func (g *Gateway) SetSetting(ctx context.Context, key, value string) error {
	return putSetting(g.db.WithContext(ctx), key, value)
}

// IntegritySnapshot 在同一读事务内读取持久化计数与实际记录数
func (g *Gateway) IntegritySnapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	err := g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		live, err := liveCount(tx)
		if err != nil {
			return err
		}
		snap.Live = live
		snap.Stored, snap.HasStored, err = storedCount(tx)
		return err
	})
	return snap, err
}

// SaveRecordCount 持久化记录计数
func (g *Gateway) SaveRecordCount(ctx context.Context, n int64) error {
	return putSetting(g.db.WithContext(ctx), SettingKeyRecordCount, strconv.FormatInt(n, 10))
}

// mutate 在事务内执行变更，并按本次变更引起的记录数差值调整持久化计数
func (g *Gateway) mutate(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		before, err := liveCount(tx)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			return err
		}
		after, err := liveCount(tx)
		if err != nil {
			return err
		}
		if after == before {
			return nil
		}
		stored, ok, err := storedCount(tx)
		if err != nil {
			return err
		}
		if !ok {
			stored = before
		}
		return putSetting(tx, SettingKeyRecordCount, strconv.FormatInt(stored+after-before, 10))
	})
}

func liveCount(tx *gorm.DB) (int64, error) {
	var total int64
	for _, m := range []any{&OriginRecord{}, &SubpathRecord{}, &EndpointRecord{}, &ScriptRecord{}} {
		var n int64
		if err := tx.Model(m).Count(&n).Error; err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

func storedCount(tx *gorm.DB) (int64, bool, error) {
	var s Setting
	err := first(tx, &s, "key = ?", SettingKeyRecordCount)
	if errors.Is(err, ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	n, err := strconv.ParseInt(s.Value, 10, 64)
	if err != nil {
		return 0, false, fmt.Errorf("parse record count %q: %w", s.Value, err)
	}
	return n, true, nil
}

func putSetting(tx *gorm.DB, key, value string) error {
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(&Setting{Key: key, Value: value}).Error
}

func detach(tx *gorm.DB, value string, field func(*SubpathRecord) *[]string) error {
	var recs []SubpathRecord
	if err := tx.Find(&recs).Error; err != nil {
		return err
	}
	for i := range recs {
		list := field(&recs[i])
		next, removed := removeValue(*list, value)
		if !removed {
			continue
		}
		*list = next
		recs[i].Version++
		if err := tx.Save(&recs[i]).Error; err != nil {
			return err
		}
	}
	return nil
}

func first(tx *gorm.DB, dst any, query string, args ...any) error {
	err := tx.Where(query, args...).Take(dst).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
