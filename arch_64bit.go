//go:build amd64 || arm64 || ppc64 || ppc64le || mips64 || mips64le || riscv64 || s390x
// +build amd64 arm64 ppc64 ppc64le mips64 mips64le riscv64 s390x

package embedkv

// maxMapSize represents the largest mmap size supported by Open.
const maxMapSize = 0xFFFFFFFFFFFF // 256TB
