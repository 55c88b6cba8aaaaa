package model

import (
	"strconv"
	"time"
)

// ExtendPremium вычисляет новый срок окончания премиума: отсчёт идёт от более позднего
// из текущего срока и now, поэтому повторная покупка не сокращает оставшееся время.
func ExtendPremium(current *time.Time, now time.Time, days int) time.Time {
	base := now
	if current != nil && current.After(now) {
		base = *current
	}
	return base.Add(time.Duration(days) * 24 * time.Hour)
}

// PremiumState возвращает сведения о премиуме пользователя на момент now.
func PremiumState(tier PremiumTier, until *time.Time, now time.Time) PremiumInfo {
	if tier == "" {
		tier = PremiumNone
	}
	info := PremiumInfo{Tier: tier, Until: until}
	info.Active = tier != PremiumNone && until != nil && until.After(now)
	return info
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}
