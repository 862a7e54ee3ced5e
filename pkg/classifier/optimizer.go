// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package classifier

import (
	"fmt"
	"maps"
	"slices"

	"github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers/cosineschedule"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/pkg/errors"
)

var (
	// ParamMomentum is the momentum of GroupedSGD. 0 disables it.
	ParamMomentum = "sgd_momentum"

	// ParamWeightDecay is the L2 weight decay added to the gradients by GroupedSGD.
	ParamWeightDecay = "sgd_weight_decay"
)

// GroupedSGDDefaultScope is the absolute scope where GroupedSGD keeps its variables.
const GroupedSGDDefaultScope = "grouped_sgd"

// GroupedSGDName is the value of optimizers.ParamOptimizer selecting GroupedSGD, the default.
const GroupedSGDName = "grouped_sgd"

// OptimizerFromContext returns the optimizer selected by optimizers.ParamOptimizer: GroupedSGD, or one
// of optimizers.KnownOptimizers ("adam", "sgd", ...), which use a single learning rate for all the
// variables. Both follow the cosine annealing schedule configured with the cosineschedule parameters.
func OptimizerFromContext(ctx *context.Context, backbone Backbone) (optimizers.Interface, error) {
	name := context.GetParamOr(ctx, optimizers.ParamOptimizer, GroupedSGDName)
	if name == GroupedSGDName {
		return GroupedSGDFromContext(ctx, backbone)
	}
	if _, found := optimizers.KnownOptimizers[name]; !found {
		return nil, errors.Errorf("unknown optimizer %q, valid values are %q and %q",
			name, GroupedSGDName, slices.Sorted(maps.Keys(optimizers.KnownOptimizers)))
	}
	return &scheduled{Interface: optimizers.ByName(ctx, name)}, nil
}

// scheduled updates the learning rate variable with the cosine schedule before the wrapped
// optimizer reads it.
type scheduled struct {
	optimizers.Interface
}

func (s *scheduled) UpdateGraph(ctx *context.Context, g *Graph, loss *Node) {
	cosineschedule.New(ctx, g, loss.DType()).FromContext().Done()
	s.Interface.UpdateGraph(ctx, g, loss)
}

// GroupedSGD is a stochastic gradient descent optimizer with momentum and weight decay, where each
// trainable variable takes the learning rate of its ParamGroup.
//
// The learning rate of each group is a non-trainable variable, so it's saved with the checkpoints
// and can be changed by schedules between steps.
type GroupedSGD struct {
	root        string
	groups      []ParamGroup
	momentum    float64
	weightDecay float64
	scope       string
}

var _ optimizers.Interface = (*GroupedSGD)(nil)

// NewGroupedSGD creates the optimizer. root is the absolute scope the group prefixes are relative to,
// usually "/model".
func NewGroupedSGD(root string, groups []ParamGroup, momentum, weightDecay float64) (*GroupedSGD, error) {
	if err := ValidateGroups(groups); err != nil {
		return nil, err
	}
	if momentum < 0 || momentum >= 1 {
		return nil, errors.Errorf("momentum must be in [0, 1), got %g", momentum)
	}
	if weightDecay < 0 {
		return nil, errors.Errorf("weight decay must be >= 0, got %g", weightDecay)
	}
	return &GroupedSGD{
		root:        joinScope(context.RootScope, root),
		groups:      groups,
		momentum:    momentum,
		weightDecay: weightDecay,
		scope:       GroupedSGDDefaultScope,
	}, nil
}

// GroupedSGDFromContext creates the optimizer for the backbone, with the base learning rate,
// momentum and weight decay read from the context hyperparameters.
func GroupedSGDFromContext(ctx *context.Context, backbone Backbone) (*GroupedSGD, error) {
	learningRate := context.GetParamOr(ctx, optimizers.ParamLearningRate, 0.01)
	return NewGroupedSGD(context.RootScope+ModelScope, backbone.Groups(learningRate),
		context.GetParamOr(ctx, ParamMomentum, 0.9),
		context.GetParamOr(ctx, ParamWeightDecay, 1e-4))
}

// Groups returns the parameter groups.
func (o *GroupedSGD) Groups() []ParamGroup { return o.groups }

// GroupOf returns the index of the group of a variable with the given absolute scope.
// Variables not matched by any group fall into the last one.
func (o *GroupedSGD) GroupOf(scope string) int {
	for ii, group := range o.groups[:len(o.groups)-1] {
		if group.Matches(o.root, scope) {
			return ii
		}
	}
	return len(o.groups) - 1
}

// LearningRateVar returns the variable holding the learning rate of the group groupIdx, creating it if needed.
func (o *GroupedSGD) LearningRateVar(ctx *context.Context, groupIdx int, dtype dtypes.DType) *context.Variable {
	group := o.groups[groupIdx]
	ctx = ctx.Checked(false).InAbsPath(joinScope(context.RootScope, o.scope)).In(group.Name)
	return ctx.VariableWithValue(optimizers.ParamLearningRate, shapes.CastAsDType(group.LearningRate, dtype)).
		SetTrainable(false)
}

func (o *GroupedSGD) velocityVar(ctx *context.Context, v *context.Variable) *context.Variable {
	scopePath := fmt.Sprintf("%s%s%s", context.ScopeSeparator, o.scope, v.Scope())
	return ctx.Checked(false).InAbsPath(scopePath).
		WithInitializer(initializers.Zero).
		VariableWithShape(v.Name()+"_velocity", v.Shape()).
		SetTrainable(false)
}

// UpdateGraph implements optimizers.Interface.
func (o *GroupedSGD) UpdateGraph(ctx *context.Context, g *Graph, loss *Node) {
	if !loss.Shape().IsScalar() {
		exceptions.Panicf("GroupedSGD requires a scalar loss to optimize, got loss.shape=%s instead", loss.Shape())
	}
	grads := ctx.BuildTrainableVariablesGradientsGraph(loss)
	if len(grads) == 0 {
		return
	}
	dtype := loss.DType()
	optimizers.IncrementGlobalStepGraph(ctx, g, dtype)

	// Same order used by BuildTrainableVariablesGradientsGraph.
	var trainable []*context.Variable
	for v := range ctx.IterVariables() {
		if v.Trainable && v.InUseByGraph(g) {
			trainable = append(trainable, v)
		}
	}
	if len(trainable) != len(grads) {
		exceptions.Panicf("GroupedSGD: got %d gradients for %d trainable variables", len(grads), len(trainable))
	}

	scale := o.scheduleGraph(ctx, g, dtype)
	rates := make([]*Node, len(o.groups))
	for ii := range o.groups {
		rates[ii] = o.LearningRateVar(ctx, ii, dtype).ValueGraph(g)
		if scale != nil {
			rates[ii] = Mul(rates[ii], scale)
		}
	}
	for ii, v := range trainable {
		grad := optimizers.ClipNaNsInGradients(ctx, grads[ii])
		value := v.ValueGraph(g)
		step := grad
		if o.weightDecay > 0 {
			step = Add(step, MulScalar(value, o.weightDecay))
		}
		if o.momentum > 0 {
			velocityVar := o.velocityVar(ctx, v)
			velocity := Add(MulScalar(velocityVar.ValueGraph(g), o.momentum), step)
			velocityVar.SetValueGraph(velocity)
			step = velocity
		}
		lr := rates[o.GroupOf(v.Scope())]
		if lr.DType() != step.DType() {
			lr = ConvertDType(lr, step.DType())
		}
		step = optimizers.ClipStepByValue(ctx, Mul(step, lr))
		updated := Sub(value, step)
		updated = optimizers.ClipNaNsInUpdates(ctx, value, updated)
		v.SetValueGraph(updated)
	}
}

// ScheduleScope is the scope, under the optimizer scope, of the learning rate schedule.
const ScheduleScope = "schedule"

// scheduleGraph returns the factor of the current step of the cosine annealing schedule, in
// [min_learning_rate / learning_rate, 1], which scales the rate of every group. It returns nil if
// the schedule is disabled.
func (o *GroupedSGD) scheduleGraph(ctx *context.Context, g *Graph, dtype dtypes.DType) *Node {
	if context.GetParamOr(ctx, cosineschedule.ParamPeriodSteps, 0) <= 0 &&
		context.GetParamOr(ctx, cosineschedule.ParamCycles, 0) <= 0 {
		return nil
	}
	base := context.GetParamOr(ctx, optimizers.ParamLearningRate, 0.0)
	if base <= 0 {
		exceptions.Panicf("GroupedSGD: cosine schedule requires %q > 0, got %g", optimizers.ParamLearningRate, base)
	}
	scheduleCtx := ctx.Checked(false).InAbsPath(joinScope(context.RootScope, o.scope)).In(ScheduleScope)
	cosineschedule.New(scheduleCtx, g, dtype).
		FromContext().
		LearningRate(1).
		MinLearningRate(context.GetParamOr(ctx, cosineschedule.ParamMinLearningRate, 0.0) / base).
		Done()
	return optimizers.LearningRateVarWithValue(scheduleCtx, dtype, 1).ValueGraph(g)
}

// Clear implements optimizers.Interface, deleting the velocities and learning rate variables.
func (o *GroupedSGD) Clear(ctx *context.Context) error {
	return ctx.InAbsPath(joinScope(context.RootScope, o.scope)).DeleteVariablesInScope()
}
