package configreader

import (
	"os"
	"path/filepath"

	"go.f110.dev/xerrors"
	"sigs.k8s.io/yaml"

	"go.f110.dev/instances/pkg/config/configv2"
)

func ReadConfig(filename string) (*configv2.Config, error) {
	a, err := filepath.Abs(filename)
	if err != nil {
		return nil, xerrors.WithStack(err)
	}
	dir := filepath.Dir(a)

	b, err := os.ReadFile(filename)
	if err != nil {
		return nil, xerrors.WithStack(err)
	}

	conf := &configv2.Config{
		Instances: &configv2.Instances{},
		Datastore: &configv2.Datastore{},
		Logger: &configv2.Logger{
			Level:    "info",
			Encoding: "json",
		},
		InternalApi: &configv2.InternalApi{},
	}
	if err := yaml.Unmarshal(b, conf); err != nil {
		return nil, xerrors.WithMessage(err, "config: file parse error")
	}
	if conf.Instances == nil {
		conf.Instances = &configv2.Instances{}
	}
	if err := conf.Instances.Load(dir); err != nil {
		return nil, err
	}
	if conf.Datastore == nil {
		return nil, xerrors.New("config: datastore is required")
	}
	if err := conf.Datastore.Load(dir); err != nil {
		return nil, err
	}
	if conf.Logger == nil {
		conf.Logger = &configv2.Logger{}
	}
	if conf.InternalApi == nil {
		conf.InternalApi = &configv2.InternalApi{}
	}
	conf.InternalApi.Load()

	return conf, nil
}
