package logging

import (
	"fmt"

	"go.uber.org/zap"
)

type impl struct {
	*zap.SugaredLogger
	name string
}

func (imp *impl) Sublogger(subname string) Logger {
	newName := subname
	if imp.name != "" {
		newName = fmt.Sprintf("%s.%s", imp.name, subname)
	}
	// Named appends to the zap name, so the sugared logger only gets the new segment.
	return &impl{SugaredLogger: imp.SugaredLogger.Named(subname), name: newName}
}

// Name returns the dotted name of the logger.
func (imp *impl) Name() string {
	return imp.name
}

func (imp *impl) Desugar() *zap.Logger {
	return imp.SugaredLogger.Desugar()
}
