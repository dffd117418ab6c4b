package service

// Monthly tuition per child in minor units. The first child pays the full
// rate; siblings are discounted and every child past the third pays the
// floor rate.
var siblingRates = []int64{10000, 7000, 6000}

const floorSiblingRate int64 = 5000

// CalculateRate returns the blended family amount for the number of active
// children. Zero or negative counts yield zero.
func CalculateRate(activeChildren int) int64 {
	var total int64
	for i := 0; i < activeChildren; i++ {
		if i < len(siblingRates) {
			total += siblingRates[i]
			continue
		}
		total += floorSiblingRate
	}
	return total
}
