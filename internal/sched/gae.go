package sched

// BootstrapValue reconstructs the value of the state following a rollout's
// final action. Producers record the value prediction made before each step,
// so the prediction after the last step is not stored; the final recorded
// value already folds in the last reward, which this inverts.
func BootstrapValue(lastValue, lastReward, gamma float32) float32 {
	return (lastValue - lastReward) / gamma
}

// GAE fills generalized advantage estimates and value targets for one
// rollout. All slices share the rollout length; values holds the behavior
// policy's predictions, dones is 1 at episode boundaries. adv and returns
// are written in place.
func GAE(rewards, values, dones []float32, gamma, lambda float32, adv, returns []float32) {
	t := len(rewards)
	next := BootstrapValue(values[t-1], rewards[t-1], gamma)

	var acc float32
	for i := t - 1; i >= 0; i-- {
		notDone := 1 - dones[i]
		delta := rewards[i] + gamma*notDone*next - values[i]
		acc = delta + gamma*lambda*notDone*acc
		adv[i] = acc
		returns[i] = acc + values[i]
		next = values[i]
	}
}
