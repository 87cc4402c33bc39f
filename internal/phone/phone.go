// Package phone 号码规范化
package phone

import "strings"

// HomeCountryCode 本地号码（0 开头的 10 位）默认补全的国家码
const HomeCountryCode = "+33"

// Normalize 把设备上的原始号码转换为可拨打的规范形式
// 纯函数、不会失败、幂等：Normalize(Normalize(x)) == Normalize(x)
//   - 只保留数字和第一个数字之前的 '+'（重复的 '+' 合并为一个）
//   - 已带 '+' 的号码原样返回
//   - 10 位且以 0 开头、第二位为 1-9 的号码改写为 +33 + 后 9 位
//   - 其余情况只返回数字，不猜测国家码
func Normalize(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	plus := false
	for _, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && b.Len() == 0:
			plus = true
		}
	}

	digits := b.String()
	if digits == "" {
		return ""
	}
	if plus {
		return "+" + digits
	}
	if len(digits) == 10 && digits[0] == '0' && digits[1] >= '1' && digits[1] <= '9' {
		return HomeCountryCode + digits[1:]
	}
	return digits
}

// Equal 两个原始号码规范化后是否相同
func Equal(a, b string) bool {
	na := Normalize(a)
	return na != "" && na == Normalize(b)
}

// First 返回第一个可规范化的号码
func First(numbers []string) (string, bool) {
	for _, n := range numbers {
		if p := Normalize(n); p != "" {
			return p, true
		}
	}
	return "", false
}
