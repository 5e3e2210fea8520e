package sched

// VTrace fills off-policy value targets (vs) and advantages for one rollout
// using truncated importance weights. ratios holds per-step current/behavior
// policy probability ratios; rhoBar caps them in the target term and cBar in
// the trace term. The recursion runs backward from a bootstrap value, so the
// window must span a complete rollout.
func VTrace(rewards, values, dones, ratios []float32, gamma, rhoBar, cBar float32, vs, adv []float32) {
	t := len(rewards)
	boot := BootstrapValue(values[t-1], rewards[t-1], gamma)

	nextValue := boot
	nextVS := boot
	for i := t - 1; i >= 0; i-- {
		rho := ratios[i]
		if rho > rhoBar {
			rho = rhoBar
		}
		c := ratios[i]
		if c > cBar {
			c = cBar
		}

		g := gamma * (1 - dones[i])
		delta := rho * (rewards[i] + g*nextValue - values[i])
		adv[i] = rho * (rewards[i] + g*nextVS - values[i])
		vs[i] = values[i] + delta + g*c*(nextVS-nextValue)

		nextVS = vs[i]
		nextValue = values[i]
	}
}
