package collab

import "strings"

type bufferKind int

const (
	bufOriginal bufferKind = iota
	bufAdd
)

type piece struct {
	buf    bufferKind
	offset int
	length int
}

// FieldBuffer：piece table 文本缓冲，承载单个字段的当前内容。
// original 存初始内容，add 只追加新文本，pieces 按逻辑顺序拼出全文。
// 编辑是尽力而为的：越界位置 clamp 到末尾而不是拒绝，一次按键不允许硬失败。
type FieldBuffer struct {
	original []rune
	add      []rune
	pieces   []piece
}

func NewFieldBuffer(initial string) *FieldBuffer {
	r := []rune(initial)
	fb := &FieldBuffer{original: r}
	if len(r) > 0 {
		fb.pieces = []piece{{buf: bufOriginal, offset: 0, length: len(r)}}
	}
	return fb
}

func (fb *FieldBuffer) Len() int {
	n := 0
	for _, p := range fb.pieces {
		n += p.length
	}
	return n
}

func (fb *FieldBuffer) String() string {
	var b strings.Builder
	for _, p := range fb.pieces {
		switch p.buf {
		case bufOriginal:
			b.WriteString(string(fb.original[p.offset : p.offset+p.length]))
		case bufAdd:
			b.WriteString(string(fb.add[p.offset : p.offset+p.length]))
		}
	}
	return b.String()
}

// locate 把逻辑位置 pos 映射为 piece 下标和 piece 内偏移
func (fb *FieldBuffer) locate(pos int) (idx, offset int) {
	cur := 0
	for i, p := range fb.pieces {
		if pos < cur+p.length {
			return i, pos - cur
		}
		cur += p.length
	}
	return len(fb.pieces), 0
}

// Insert 在 pos 处插入文本；pos 越界 clamp 到 [0, Len]。
func (fb *FieldBuffer) Insert(pos int, text string) {
	if text == "" {
		return
	}
	if pos < 0 {
		pos = 0
	}
	if n := fb.Len(); pos > n {
		pos = n
	}

	r := []rune(text)
	start := len(fb.add)
	fb.add = append(fb.add, r...)
	newPiece := piece{buf: bufAdd, offset: start, length: len(r)}

	idx, offset := fb.locate(pos)
	if idx >= len(fb.pieces) {
		fb.pieces = append(fb.pieces, newPiece)
		return
	}

	cur := fb.pieces[idx]
	left := piece{buf: cur.buf, offset: cur.offset, length: offset}
	right := piece{buf: cur.buf, offset: cur.offset + offset, length: cur.length - offset}

	newPieces := make([]piece, 0, len(fb.pieces)+2)
	newPieces = append(newPieces, fb.pieces[:idx]...)
	if left.length > 0 {
		newPieces = append(newPieces, left)
	}
	newPieces = append(newPieces, newPiece)
	if right.length > 0 {
		newPieces = append(newPieces, right)
	}
	newPieces = append(newPieces, fb.pieces[idx+1:]...)
	fb.pieces = newPieces
}

// Delete 从 pos 起删 n 个字符；窗口 clamp 到有效范围，n<=0 是 no-op。
func (fb *FieldBuffer) Delete(pos, n int) {
	if n <= 0 {
		return
	}
	if pos < 0 {
		pos = 0
	}
	total := fb.Len()
	if pos >= total {
		return
	}
	if pos+n > total {
		n = total - pos
	}

	remain := n
	idx, offset := fb.locate(pos)
	for remain > 0 && idx < len(fb.pieces) {
		cur := &fb.pieces[idx]
		can := cur.length - offset
		if can <= 0 {
			idx++
			offset = 0
			continue
		}
		take := remain
		if take > can {
			take = can
		}

		if offset == 0 && take == cur.length {
			// 整块删除
			fb.pieces = append(fb.pieces[:idx], fb.pieces[idx+1:]...)
			offset = 0
		} else {
			// 块内删除：拆成左右两段
			leftLen := offset
			rightLen := cur.length - offset - take
			newPieces := make([]piece, 0, len(fb.pieces)+1)
			newPieces = append(newPieces, fb.pieces[:idx]...)
			if leftLen > 0 {
				newPieces = append(newPieces, piece{buf: cur.buf, offset: cur.offset, length: leftLen})
			}
			if rightLen > 0 {
				newPieces = append(newPieces, piece{buf: cur.buf, offset: cur.offset + offset + take, length: rightLen})
			}
			newPieces = append(newPieces, fb.pieces[idx+1:]...)
			fb.pieces = newPieces
			if leftLen > 0 {
				idx++
			}
			offset = 0
		}
		remain -= take
	}
}

// Replace 等价于 Delete(pos, n) 后在同一位置 Insert。
func (fb *FieldBuffer) Replace(pos, n int, text string) {
	if pos < 0 {
		pos = 0
	}
	if total := fb.Len(); pos > total {
		pos = total
	}
	fb.Delete(pos, n)
	fb.Insert(pos, text)
}

// ApplyEdit 按操作类型落到缓冲区。负偏移返回 ErrInvalidRange。
func (fb *FieldBuffer) ApplyEdit(e RealtimeEdit) error {
	if e.Position < 0 {
		return ErrInvalidRange
	}
	switch e.Kind {
	case OpInsert:
		fb.Insert(e.Position, e.Content)
	case OpDelete:
		fb.Delete(e.Position, e.Length)
	case OpReplace:
		fb.Replace(e.Position, e.Length, e.Content)
	}
	return nil
}

// applyToString：把单个操作应用到字符串内容上（冲突解决的纯函数路径用）。
func applyToString(content string, e RealtimeEdit) string {
	fb := NewFieldBuffer(content)
	_ = fb.ApplyEdit(e)
	return fb.String()
}
