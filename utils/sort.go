package utils

// isnumeric 判断是否为 ASCII 数字
func isnumeric(c byte) bool {
	return '0' <= c && c <= '9'
}

// CompareLexiconumerical 字典序比较，但把数字串当作整体单元，
// 因此 "a" < "b"、"1" < "2"、"frame-5" < "frame-23"
//
// 返回值：相等为 0，a < b 为负，a > b 为正。
func CompareLexiconumerical(a, b string) int {
	i, k := 0, 0

	for i < len(a) && k < len(b) {
		if isnumeric(a[i]) && isnumeric(b[k]) {
			// p 和 q 指向数字串的结尾
			p := i + 1
			for p < len(a) && isnumeric(a[p]) {
				p++
			}

			q := k + 1
			for q < len(b) && isnumeric(b[q]) {
				q++
			}

			// 数字串的字符长度
			alen := p - i
			blen := q - k

			if alen != blen {
				return alen - blen
			}

			// 长度一致，可以逐字符比较
			for ; i < p; i, k = i+1, k+1 {
				if diff := int(a[i]) - int(b[k]); diff != 0 {
					return diff
				}
			}

			continue
		}

		if diff := int(a[i]) - int(b[k]); diff != 0 {
			return diff
		}

		i++
		k++
	}

	return (len(a) - i) - (len(b) - k)
}
