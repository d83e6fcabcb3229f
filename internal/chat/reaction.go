package chat

// ReactionMap 反应聚合：反应类型 → 用户 ID 集合。
// 不变量：任一用户在同一条消息上最多出现在一个类型的集合中。
type ReactionMap map[string][]uint64

// Has 用户是否对该类型已有反应
func (m ReactionMap) Has(userID uint64, kind string) bool {
	for _, id := range m[kind] {
		if id == userID {
			return true
		}
	}
	return false
}

// KindOf 返回用户当前的反应类型，无反应返回空串
func (m ReactionMap) KindOf(userID uint64) string {
	for kind, ids := range m {
		for _, id := range ids {
			if id == userID {
				return kind
			}
		}
	}
	return ""
}

// Count 该类型下的反应人数
func (m ReactionMap) Count(kind string) int {
	return len(m[kind])
}

// Clone 深拷贝
func (m ReactionMap) Clone() ReactionMap {
	if m == nil {
		return nil
	}
	cp := make(ReactionMap, len(m))
	for kind, ids := range m {
		cp[kind] = append([]uint64(nil), ids...)
	}
	return cp
}

// ToggleReaction 纯函数计算反应切换后的新 map，入参不被修改。
// 规则：重选同类型 → 取消；已有其他类型 → 迁移；无反应 → 添加。
// 本地乐观路径与权威路径使用同一函数，保证两侧收敛到相同结果。
func ToggleReaction(m ReactionMap, userID uint64, kind string) ReactionMap {
	out := m.Clone()
	if out == nil {
		out = make(ReactionMap)
	}

	current := out.KindOf(userID)
	if current != "" {
		ids := out[current]
		kept := make([]uint64, 0, len(ids)-1)
		for _, id := range ids {
			if id != userID {
				kept = append(kept, id)
			}
		}
		if len(kept) == 0 {
			delete(out, current)
		} else {
			out[current] = kept
		}
	}

	// 重选同类型等价于取消
	if current == kind {
		return out
	}

	out[kind] = append(out[kind], userID)
	return out
}
