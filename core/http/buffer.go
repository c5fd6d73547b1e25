package http

// Buffer is a fixed-capacity byte buffer with separate consumed and produced
// cursors. Nothing grows: appends that do not fit fail and leave the buffer
// unchanged.
type Buffer struct {
	data []byte
	r, w int
}

// NewBuffer wraps storage. len(storage) is the capacity.
func NewBuffer(storage []byte) Buffer {
	return Buffer{data: storage}
}

// Storage returns the backing slice so it can be released.
func (b *Buffer) Storage() []byte {
	return b.data
}

// Cap returns the total capacity.
func (b *Buffer) Cap() int {
	return len(b.data)
}

// Len returns the number of produced but unconsumed bytes.
func (b *Buffer) Len() int {
	return b.w - b.r
}

// Full reports whether no more bytes can be produced.
func (b *Buffer) Full() bool {
	return b.w == len(b.data)
}

// Bytes returns the unconsumed region.
func (b *Buffer) Bytes() []byte {
	return b.data[b.r:b.w]
}

// Free returns the writable tail.
func (b *Buffer) Free() []byte {
	return b.data[b.w:]
}

// Produce marks n bytes of Free as written.
func (b *Buffer) Produce(n int) bool {
	if n < 0 || n > len(b.data)-b.w {
		return false
	}
	b.w += n
	return true
}

// Consume discards n bytes from the front of the unconsumed region.
func (b *Buffer) Consume(n int) bool {
	if n < 0 || n > b.w-b.r {
		return false
	}
	b.r += n
	if b.r == b.w {
		b.r, b.w = 0, 0
	}
	return true
}

// Compact moves the unconsumed bytes to the front.
func (b *Buffer) Compact() {
	if b.r == 0 {
		return
	}
	n := copy(b.data, b.data[b.r:b.w])
	b.r, b.w = 0, n
}

// Reset empties the buffer.
func (b *Buffer) Reset() {
	b.r, b.w = 0, 0
}

// Append copies p in full, or not at all.
func (b *Buffer) Append(p []byte) bool {
	if len(p) > len(b.data)-b.w {
		return false
	}
	b.w += copy(b.data[b.w:], p)
	return true
}

// AppendString is Append for strings.
func (b *Buffer) AppendString(s string) bool {
	if len(s) > len(b.data)-b.w {
		return false
	}
	b.w += copy(b.data[b.w:], s)
	return true
}

// AppendInt writes the decimal form of a non-negative i.
func (b *Buffer) AppendInt(i int) bool {
	var tmp [20]byte
	return b.Append(appendInt(tmp[:0], i))
}

// appendInt appends integer to byte slice without allocation
func appendInt(b []byte, i int) []byte {
	if i == 0 {
		return append(b, '0')
	}

	if i < 0 {
		b = append(b, '-')
		i = -i
	}

	// Calculate number of digits
	digits := 0
	tmp := i
	for tmp > 0 {
		digits++
		tmp /= 10
	}

	start := len(b)
	for j := 0; j < digits; j++ {
		b = append(b, '0')
	}

	// Fill digits from right to left
	for j := digits - 1; j >= 0; j-- {
		b[start+j] = byte('0' + i%10)
		i /= 10
	}

	return b
}
