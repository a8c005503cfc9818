package service

import (
	"sort"
	"sync"
	"time"

	"LoopIn/internal/model"
)

// messageStore 内存消息表；byTarget 中的 id 按分配顺序追加，天然有序
type messageStore struct {
	mu       sync.RWMutex
	byID     map[uint64]*model.Message
	byTarget map[string][]uint64
}

func newMessageStore() *messageStore {
	return &messageStore{
		byID:     make(map[uint64]*model.Message),
		byTarget: make(map[string][]uint64),
	}
}

func (st *messageStore) insert(m model.Message) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.byID[m.ID] = &m
	ids := st.byTarget[m.TargetKey]
	if n := len(ids); n > 0 && ids[n-1] > m.ID {
		// 恢复数据时可能乱序
		i := sort.Search(n, func(i int) bool { return ids[i] > m.ID })
		ids = append(ids, 0)
		copy(ids[i+1:], ids[i:])
		ids[i] = m.ID
	} else {
		ids = append(ids, m.ID)
	}
	st.byTarget[m.TargetKey] = ids
}

func (st *messageStore) get(id uint64) (model.Message, bool) {
	st.mu.RLock()
	defer st.mu.RUnlock()
	m, ok := st.byID[id]
	if !ok {
		return model.Message{}, false
	}
	return *m, true
}

// update 在写锁内修改消息，返回修改后的副本
func (st *messageStore) update(id uint64, fn func(m *model.Message)) (model.Message, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	m, ok := st.byID[id]
	if !ok {
		return model.Message{}, false
	}
	fn(m)
	return *m, true
}

// removeLocked 调用方持有写锁
func (st *messageStore) removeLocked(id uint64) bool {
	m, ok := st.byID[id]
	if !ok {
		return false
	}
	delete(st.byID, id)
	ids := st.byTarget[m.TargetKey]
	i := sort.Search(len(ids), func(i int) bool { return ids[i] >= id })
	if i < len(ids) && ids[i] == id {
		ids = append(ids[:i], ids[i+1:]...)
	}
	if len(ids) == 0 {
		delete(st.byTarget, m.TargetKey)
	} else {
		st.byTarget[m.TargetKey] = ids
	}
	return true
}

// removeExpired 只删除仍然过期的消息，返回删除数
func (st *messageStore) removeExpired(ids []uint64, now time.Time) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	n := 0
	for _, id := range ids {
		if m, ok := st.byID[id]; ok && m.Expired(now) && st.removeLocked(id) {
			n++
		}
	}
	return n
}

// sweep 删除全部过期消息
func (st *messageStore) sweep(now time.Time) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	var expired []uint64
	for id, m := range st.byID {
		if m.Expired(now) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		st.removeLocked(id)
	}
	return len(expired)
}

func (st *messageStore) removeTarget(targetKey string) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	ids := append([]uint64(nil), st.byTarget[targetKey]...)
	for _, id := range ids {
		st.removeLocked(id)
	}
	return len(ids)
}

func (st *messageStore) relabelAuthor(authorID, label string) int {
	st.mu.Lock()
	defer st.mu.Unlock()
	n := 0
	for _, m := range st.byID {
		if m.AuthorID == authorID {
			m.AuthorID = ""
			m.AuthorName = label
			n++
		}
	}
	return n
}

func (st *messageStore) count() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.byID)
}
