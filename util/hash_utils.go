package util

import (
	"github.com/OneOfOne/xxhash"
)

// 将一个键进行Hash
func HashCode(key []byte) uint64 {
	h := xxhash.New64()
	h.Write(key)
	return h.Sum64()
}

// PageChecksum 计算页面校验和，跳过头部的校验和字段本身
func PageChecksum(content []byte, checksumSize int) uint64 {
	if len(content) <= checksumSize {
		return 0
	}
	return xxhash.Checksum64(content[checksumSize:])
}
