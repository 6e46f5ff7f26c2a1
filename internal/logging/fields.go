package logging

import "github.com/sirupsen/logrus"

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// RequestFields 提供请求分类、路径、分区与缓存状态字段，供拦截器请求日志复用。
func RequestFields(class, path, partition, cacheStatus string) logrus.Fields {
	return logrus.Fields{
		"class":        class,
		"path":         path,
		"partition":    partition,
		"cache_status": cacheStatus,
		"cache_hit":    cacheStatus == "hit" || cacheStatus == "fallback",
	}
}

// VersionFields 描述一次版本切换，供分区管理器与通知器复用。
func VersionFields(action, from, to string) logrus.Fields {
	return logrus.Fields{
		"action":       action,
		"from_version": from,
		"to_version":   to,
	}
}
