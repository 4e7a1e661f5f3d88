package model

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Hours количество часов-кредитов в минутах. Дробная арифметика не используется.
type Hours int64

// QuarterHour минимальный шаг покупки
const QuarterHour Hours = 15

// maxWholeHours предел целой части, при котором минуты с дробью помещаются в int64
const maxWholeHours = (math.MaxInt64 - 45) / 60

// Minutes создаёт Hours из минут
func Minutes(m int64) Hours {
	return Hours(m)
}

// WholeHours создаёт Hours из целых часов
func WholeHours(h int64) Hours {
	return Hours(h * 60)
}

// Minutes возвращает значение в минутах
func (h Hours) Minutes() int64 {
	return int64(h)
}

// IsQuarterAligned кратно ли значение четверти часа
func (h Hours) IsQuarterAligned() bool {
	return h%QuarterHour == 0
}

// String форматирует как "1.50h"
func (h Hours) String() string {
	sign := ""
	m := int64(h)
	if m < 0 {
		sign = "-"
		m = -m
	}
	return fmt.Sprintf("%s%d.%02dh", sign, m/60, (m%60)*100/60)
}

// ParseHours разбирает "1.25" или "1,25" в Hours; допускается только шаг в четверть часа
func ParseHours(s string) (Hours, error) {
	s = strings.TrimSuffix(strings.TrimSpace(s), "h")
	s = strings.ReplaceAll(s, ",", ".")
	if s == "" {
		return 0, fmt.Errorf("empty hours value")
	}

	whole, frac, hasFrac := strings.Cut(s, ".")
	h, err := strconv.ParseInt(whole, 10, 64)
	if err != nil || h < 0 {
		return 0, fmt.Errorf("invalid hours value %q", s)
	}
	if h > maxWholeHours {
		return 0, fmt.Errorf("hours value %q is too large", s)
	}

	total := h * 60
	if hasFrac {
		switch strings.TrimRight(frac, "0") {
		case "":
		case "25":
			total += 15
		case "5":
			total += 30
		case "75":
			total += 45
		default:
			return 0, fmt.Errorf("hours must be in quarter-hour steps: %q", s)
		}
	}

	return Hours(total), nil
}
