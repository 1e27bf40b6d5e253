package mvcc

import (
	"github.com/zhukovaskychina/xstorage-engine/storage/common"
)

// ReadView MVCC读视图
//
// 不可变的可见性快照：创建时刻的活跃事务集合、最小活跃事务ID、
// 下一个将分配的事务ID。创建后不再修改。
type ReadView struct {
	activeIDs    map[common.TrxID]struct{} // 创建ReadView时的活跃事务ID集合
	minTrxID     common.TrxID              // 活跃事务中最小的事务ID (xmin)
	maxTrxID     common.TrxID              // 系统将分配给下一个事务的ID (xmax)
	creatorTrxID common.TrxID              // 创建该ReadView的事务ID
}

// NewReadView 创建新的ReadView
func NewReadView(activeIDs []common.TrxID, minTrxID, maxTrxID, creatorTrxID common.TrxID) *ReadView {
	ids := make(map[common.TrxID]struct{}, len(activeIDs))
	for _, id := range activeIDs {
		ids[id] = struct{}{}
	}
	return &ReadView{
		activeIDs:    ids,
		minTrxID:     minTrxID,
		maxTrxID:     maxTrxID,
		creatorTrxID: creatorTrxID,
	}
}

// Sees 判断给定事务的修改对本视图是否可见（即该事务在快照时刻已提交）
func (rv *ReadView) Sees(trxID common.TrxID) bool {
	// 自己的修改总是可见
	if trxID == rv.creatorTrxID {
		return true
	}
	// 快照之后才分配的事务不可见
	if trxID >= rv.maxTrxID {
		return false
	}
	// 小于最小活跃事务ID的一定已提交
	if trxID < rv.minTrxID {
		return true
	}
	// 快照时刻仍在执行的事务不可见
	_, active := rv.activeIDs[trxID]
	return !active
}

// VersionVisible 判断一个记录版本 (xmin, xmax) 对本视图是否可见
//
// 可见当且仅当：插入事务在快照时刻已提交（或是自己），
// 且删除事务未设置、或删除事务对快照不可见。
// 自己删除的版本从不可见。
func (rv *ReadView) VersionVisible(xmin, xmax common.TrxID) bool {
	if !rv.Sees(xmin) {
		return false
	}
	if xmax == common.InvalidTrxID {
		return true
	}
	if xmax == rv.creatorTrxID {
		return false
	}
	return !rv.Sees(xmax)
}

// ActiveIDs 返回活跃事务ID集合的拷贝
func (rv *ReadView) ActiveIDs() []common.TrxID {
	out := make([]common.TrxID, 0, len(rv.activeIDs))
	for id := range rv.activeIDs {
		out = append(out, id)
	}
	return out
}

// MinTrxID 最小活跃事务ID
func (rv *ReadView) MinTrxID() common.TrxID { return rv.minTrxID }

// MaxTrxID 下一个要分配的事务ID
func (rv *ReadView) MaxTrxID() common.TrxID { return rv.maxTrxID }

// CreatorTrxID 创建该ReadView的事务ID
func (rv *ReadView) CreatorTrxID() common.TrxID { return rv.creatorTrxID }
