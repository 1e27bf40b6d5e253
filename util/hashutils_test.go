package util

import (
	"testing"

	"github.com/smartystreets/assertions"
)

func TestHashCode(t *testing.T) {
	a := HashCode([]byte("space_1_page_42"))
	b := HashCode([]byte("space_1_page_42"))
	c := HashCode([]byte("space_1_page_43"))

	if ok := assertions.ShouldEqual(a, b); ok != "" {
		t.Error(ok)
	}
	if ok := assertions.ShouldNotEqual(a, c); ok != "" {
		t.Error(ok)
	}
}

func TestPageChecksum(t *testing.T) {
	content := make([]byte, 16384)
	copy(content[100:], []byte("some record payload"))

	sum1 := PageChecksum(content, 8)
	content[50] ^= 0xFF
	sum2 := PageChecksum(content, 8)

	if sum1 == sum2 {
		t.Error("checksum should change when page content changes")
	}

	// 校验和字段本身不参与计算
	content[0] = 0xAB
	sum3 := PageChecksum(content, 8)
	if sum2 != sum3 {
		t.Error("checksum should ignore the checksum field itself")
	}
}
