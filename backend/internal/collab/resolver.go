package collab

// Resolution 是冲突解决的确定性输出。
// 解析器是纯函数：给定 (当前内容, 两个操作, 策略) 得到结果内容与被淘汰的操作 ID，
// 无 I/O、无隐藏状态，可独立测试，且永不报错。
type Resolution struct {
	Content    string         // 解决后的字段内容
	Applied    []RealtimeEdit // 实际生效的操作（auto 下可能已被平移/裁剪）
	Superseded []string       // 被丢弃操作的 ID（field_changed 事件带 superseded 标记通知输家）
	Pending    []RealtimeEdit // manual 下等待人工仲裁的候选操作
}

// Conflicts 判断并发到达的两个操作是否需要进入冲突解决：
// 位置区间重叠，且两者都不是纯追加。insert 视为零宽区间。
func Conflicts(content string, a, b RealtimeEdit) bool {
	n := len([]rune(content))
	if a.IsAppend(n) || b.IsAppend(n) {
		return false
	}
	aS, aE := a.rangeOf()
	bS, bE := b.rangeOf()
	return aS < bE && bS < aE
}

// Resolve 按策略解决同一 (entity, field) 上两个并发操作的冲突。
// 时间戳晚者为 later，时间相同时序列号大者为 later。
func Resolve(content string, a, b RealtimeEdit, policy ConflictPolicy) Resolution {
	earlier, later := orderEdits(a, b)
	switch policy {
	case PolicyManual:
		// 两个操作都不自动应用，原样交给外部仲裁，不丢任何数据
		return Resolution{Content: content, Pending: []RealtimeEdit{earlier, later}}
	case PolicyAuto:
		return resolveAuto(content, earlier, later)
	default: // last-writer-wins
		return lastWriterWins(content, earlier, later)
	}
}

func orderEdits(a, b RealtimeEdit) (earlier, later RealtimeEdit) {
	if a.At.After(b.At) || (a.At.Equal(b.At) && a.Seq > b.Seq) {
		return b, a
	}
	return a, b
}

func lastWriterWins(content string, earlier, later RealtimeEdit) Resolution {
	return Resolution{
		Content:    applyToString(content, later),
		Applied:    []RealtimeEdit{later},
		Superseded: []string{earlier.ID},
	}
}

// resolveAuto：操作变换，让两个操作都存活。
//   - 区间不重叠：先应用 earlier，later 的位置按 earlier 的净长度变化平移
//   - 重叠删除：重叠区间只删一次，later 裁掉重叠部分后仍然生效
//   - 其余严格重叠：重叠区间无法两全，回退 last-writer-wins
func resolveAuto(content string, earlier, later RealtimeEdit) Resolution {
	eS, eE := earlier.rangeOf()
	lS, lE := later.rangeOf()

	if !(eS < lE && lS < eE) {
		out := applyToString(content, earlier)
		shifted := later
		if eS <= lS {
			shifted.Position += earlier.lengthDelta()
			if shifted.Position < 0 {
				shifted.Position = 0
			}
		}
		out = applyToString(out, shifted)
		return Resolution{Content: out, Applied: []RealtimeEdit{earlier, shifted}}
	}

	if earlier.Kind == OpDelete && later.Kind == OpDelete {
		overlap := min(eE, lE) - max(eS, lS)
		out := applyToString(content, earlier)
		trimmed := later
		trimmed.Length -= overlap
		trimmed.Position = min(eS, lS)
		out = applyToString(out, trimmed)
		return Resolution{Content: out, Applied: []RealtimeEdit{earlier, trimmed}}
	}

	return lastWriterWins(content, earlier, later)
}
