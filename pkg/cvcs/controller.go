package cvcs

// LevelController holds the state handed to the charging controller that
// takes over level control after the vapour space is established. The
// controller itself runs downstream; this core only seeds it.
type LevelController struct {
	setpoint float64
	bias     float64
	seeds    int
}

// NewLevelController returns an unseeded controller state.
func NewLevelController() *LevelController {
	return &LevelController{}
}

// Seed retargets the controller to setpoint (percent) with a charging bias
// (gpm). It does not reinitialise the downstream controller.
func (c *LevelController) Seed(setpoint, bias float64) {
	c.setpoint = setpoint
	c.bias = bias
	c.seeds++
}

// Seeded reports whether the controller has a setpoint.
func (c *LevelController) Seeded() bool { return c.seeds > 0 }

// Seeds returns how many times the controller was seeded.
func (c *LevelController) Seeds() int { return c.seeds }

// Setpoint returns the level setpoint in percent.
func (c *LevelController) Setpoint() float64 { return c.setpoint }

// Bias returns the charging bias in gpm.
func (c *LevelController) Bias() float64 { return c.bias }
